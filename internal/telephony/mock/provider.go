// Package mock simulates the voice-AI provider for local development.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// Provider fabricates call outcomes with configurable dial latency. Each
// placed call becomes retrievable through CallDetail after its simulated
// ring time elapses.
type Provider struct {
	ringTime time.Duration
	rng      *rand.Rand

	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	detail  telephony.CallDetail
	readyAt time.Time
}

// NewProvider constructs the mock.
func NewProvider(ringTime time.Duration) *Provider {
	if ringTime <= 0 {
		ringTime = 2 * time.Second
	}
	return &Provider{
		ringTime: ringTime,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		calls:    make(map[string]*pendingCall),
	}
}

// PlaceCall accepts every dialable lead and seeds a future outcome.
func (p *Provider) PlaceCall(_ context.Context, lead *domain.Lead) (telephony.PlacedCall, error) {
	phone, err := domain.NormalizePhone(lead.DialPhone())
	if err != nil {
		return telephony.PlacedCall{}, err
	}

	callID := uuid.NewString()
	outcome := p.pickOutcome()

	p.mu.Lock()
	p.calls[callID] = &pendingCall{
		detail: telephony.CallDetail{
			CallID:    callID,
			Phone:     phone,
			StartedAt: time.Now(),
			Duration:  time.Duration(5+p.rng.Intn(90)) * time.Second,
			Outcome:   &outcome,
			Summary:   fmt.Sprintf("simulated call ended with outcome %d", outcome),
		},
		readyAt: time.Now().Add(p.ringTime),
	}
	p.mu.Unlock()

	return telephony.PlacedCall{CallID: callID, Accepted: true}, nil
}

// CallDetail returns the seeded outcome once the simulated ring time has
// passed; before that the call has no terminal outcome yet.
func (p *Provider) CallDetail(_ context.Context, callID string) (*telephony.CallDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[callID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	detail := call.detail
	if time.Now().Before(call.readyAt) {
		detail.Outcome = nil
	}
	return &detail, nil
}

// SearchCalls lists every simulated call inside the window.
func (p *Provider) SearchCalls(_ context.Context, from, to time.Time) ([]telephony.CallDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []telephony.CallDetail
	for _, call := range p.calls {
		if call.detail.StartedAt.Before(from) || call.detail.StartedAt.After(to) {
			continue
		}
		out = append(out, call.detail)
	}
	return out, nil
}

// Healthy always succeeds.
func (p *Provider) Healthy(context.Context) bool { return true }

func (p *Provider) pickOutcome() int {
	outcomes := []int{
		domain.OutcomeSuccess,
		domain.OutcomeBusy,
		domain.OutcomeHangUp,
		domain.OutcomeError,
		domain.OutcomeNoAnswer,
		domain.OutcomeNoAnswer,
	}
	return outcomes[p.rng.Intn(len(outcomes))]
}
