package homa

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config carries the tunables of a Transport. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// RTTBytes is the bandwidth-delay product: the byte budget of one
	// round-trip. It sizes both the unscheduled allowance and the grant
	// window.
	RTTBytes uint32 `toml:"rtt_bytes"`

	// PriorityLevels is the number of packet priorities the fabric
	// supports. Homa commonly uses 8.
	PriorityLevels uint8 `toml:"priority_levels"`

	// UnscheduledBands are ascending message length cutoffs mapping
	// message lengths to unscheduled priority bands. Deployment-tuned.
	UnscheduledBands []uint32 `toml:"unscheduled_bands"`

	// OvercommitDegree is the number of inbound messages granted
	// concurrently.
	OvercommitDegree int `toml:"overcommit_degree"`

	// TickInterval is the wall-clock length of one timer tick.
	TickInterval time.Duration `toml:"-"`

	// ResendTicks is the idle tick count after which a RESEND or PING is
	// issued for a stalled message.
	ResendTicks uint64 `toml:"resend_ticks"`

	// TimeoutTicks bounds the total patience for a message; expiry moves
	// it to StatusFailed.
	TimeoutTicks uint64 `toml:"timeout_ticks"`

	// InboundBatch is the maximum number of packets drained from the
	// driver per poll.
	InboundBatch int `toml:"inbound_batch"`

	// SendBatch is the maximum number of DATA packets emitted per poll.
	SendBatch int `toml:"send_batch"`
}

// DefaultConfig returns the configuration used unless a deployment tunes its
// own.
func DefaultConfig() Config {
	return Config{
		RTTBytes:         10000,
		PriorityLevels:   8,
		UnscheduledBands: []uint32{1250, 5000, 10000},
		OvercommitDegree: 8,
		TickInterval:     time.Millisecond,
		ResendTicks:      10,
		TimeoutTicks:     200,
		InboundBatch:     32,
		SendBatch:        64,
	}
}

// Validate reports every problem of the configuration at once.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.RTTBytes == 0 {
		errs = multierror.Append(errs, fmt.Errorf("rtt_bytes must be positive"))
	}
	if c.PriorityLevels == 0 {
		errs = multierror.Append(errs, fmt.Errorf("priority_levels must be positive"))
	}
	if int(c.PriorityLevels) <= len(c.UnscheduledBands)+1 {
		errs = multierror.Append(errs, fmt.Errorf(
			"priority_levels (%d) must exceed the %d unscheduled bands plus one scheduled level",
			c.PriorityLevels, len(c.UnscheduledBands)))
	}
	for i := 1; i < len(c.UnscheduledBands); i++ {
		if c.UnscheduledBands[i] <= c.UnscheduledBands[i-1] {
			errs = multierror.Append(errs, fmt.Errorf("unscheduled_bands must be strictly ascending"))
		}
	}
	if c.OvercommitDegree <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("overcommit_degree must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("tick interval must be positive"))
	}
	if c.ResendTicks == 0 || c.TimeoutTicks == 0 {
		errs = multierror.Append(errs, fmt.Errorf("resend_ticks and timeout_ticks must be positive"))
	}
	if c.ResendTicks >= c.TimeoutTicks {
		errs = multierror.Append(errs, fmt.Errorf("timeout_ticks must exceed resend_ticks"))
	}
	if c.InboundBatch <= 0 || c.SendBatch <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("inbound_batch and send_batch must be positive"))
	}

	return errs.ErrorOrNil()
}
