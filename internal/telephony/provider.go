package telephony

import (
	"context"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// PlacedCall is the provider's synchronous acknowledgement of a dial
// request.
type PlacedCall struct {
	CallID      string
	Accepted    bool
	RawResponse []byte
	Error       string
}

// CallDetail is the provider's view of a call, polled until Outcome is
// set.
type CallDetail struct {
	CallID       string
	Phone        string
	StartedAt    time.Time
	Duration     time.Duration
	Cost         float64
	Outcome      *int
	Summary      string
	Collected    *domain.CollectedInfo
	CollectedRaw string
	RecordingURL string
	RawResponse  []byte
}

// Campaign identifies one outbound campaign on the provider side.
type Campaign struct {
	ID   string
	Name string
}

// Provider abstracts the voice-AI vendor.
type Provider interface {
	// PlaceCall asks the provider to dial the lead and returns the
	// correlation id for later polling.
	PlaceCall(ctx context.Context, lead *domain.Lead) (PlacedCall, error)

	// CallDetail fetches the current state of a call by provider id.
	CallDetail(ctx context.Context, callID string) (*CallDetail, error)

	// SearchCalls lists the campaign's calls inside [from, to].
	SearchCalls(ctx context.Context, from, to time.Time) ([]CallDetail, error)

	// Healthy reports whether the provider credentials work.
	Healthy(ctx context.Context) bool
}
