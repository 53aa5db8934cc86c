package escrow

import (
	"fmt"
	"strings"
)

// StatusKind enumerates transaction lifecycle states.
type StatusKind uint8

const (
	StatusDraft StatusKind = iota
	StatusPending
	StatusApproved
	StatusInEscrow
	StatusSubmittedForReview
	StatusProcessing
	StatusCompleted
	StatusCancelled
	StatusFailed
	StatusDisputed
	StatusUnderReview
	StatusRefunded
	StatusPartiallyRefunded
	StatusResolved
)

var statusNames = [...]string{
	StatusDraft:              "Draft",
	StatusPending:            "Pending",
	StatusApproved:           "Approved",
	StatusInEscrow:           "InEscrow",
	StatusSubmittedForReview: "SubmittedForReview",
	StatusProcessing:         "Processing",
	StatusCompleted:          "Completed",
	StatusCancelled:          "Cancelled",
	StatusFailed:             "Failed",
	StatusDisputed:           "Disputed",
	StatusUnderReview:        "UnderReview",
	StatusRefunded:           "Refunded",
	StatusPartiallyRefunded:  "PartiallyRefunded",
	StatusResolved:           "Resolved",
}

func (k StatusKind) String() string {
	if int(k) < len(statusNames) {
		return statusNames[k]
	}
	return fmt.Sprintf("Status(%d)", uint8(k))
}

// Terminal reports whether no further transition leaves this state.
func (k StatusKind) Terminal() bool {
	switch k {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusRefunded, StatusResolved:
		return true
	default:
		return false
	}
}

// ParseStatusKind resolves a status name case-insensitively.
func ParseStatusKind(name string) (StatusKind, error) {
	trimmed := strings.TrimSpace(name)
	for i, candidate := range statusNames {
		if strings.EqualFold(candidate, trimmed) {
			return StatusKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (k StatusKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StatusKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStatusKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ResolutionKind is the outcome chosen when a dispute is resolved.
type ResolutionKind uint8

const (
	ResolutionReleaseToRecipient ResolutionKind = iota
	ResolutionRefundToSender
	ResolutionSplit
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolutionReleaseToRecipient:
		return "release_to_recipient"
	case ResolutionRefundToSender:
		return "refund_to_sender"
	case ResolutionSplit:
		return "split"
	default:
		return fmt.Sprintf("resolution(%d)", uint8(k))
	}
}

func (k ResolutionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ResolutionKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "release_to_recipient", "release":
		*k = ResolutionReleaseToRecipient
	case "refund_to_sender", "refund":
		*k = ResolutionRefundToSender
	case "split":
		*k = ResolutionSplit
	default:
		return fmt.Errorf("unknown resolution %q", string(b))
	}
	return nil
}

// Resolution describes how disputed funds are distributed. SenderPercentage
// applies to ResolutionSplit only.
type Resolution struct {
	Kind             ResolutionKind `json:"kind"`
	SenderPercentage uint8          `json:"senderPercentage,omitempty"`
}

// Status is the current lifecycle state plus the detail fields its kind
// carries. Actor is the canceller, disputer, reviewer or resolver depending on
// Kind; At is when the state was entered.
type Status struct {
	Kind           StatusKind `json:"kind"`
	Reason         string     `json:"reason,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	At             uint64     `json:"at,omitempty"`
	Resolution     Resolution `json:"resolution"`
	RefundTxID     uint64     `json:"refundTransactionId,omitempty"`
	RefundedAmount uint64     `json:"refundedAmount,omitempty"`
	RefundTxIDs    []uint64   `json:"refundTransactionIds,omitempty"`
}

func (s Status) String() string { return s.Kind.String() }

func (s Status) clone() Status {
	s.RefundTxIDs = append([]uint64(nil), s.RefundTxIDs...)
	return s
}

func pending() Status { return Status{Kind: StatusPending} }

func entered(kind StatusKind, at uint64) Status { return Status{Kind: kind, At: at} }

func cancelled(reason, by string, at uint64) Status {
	return Status{Kind: StatusCancelled, Reason: reason, Actor: by, At: at}
}

func disputed(reason, by string, at uint64) Status {
	return Status{Kind: StatusDisputed, Reason: reason, Actor: by, At: at}
}

func underReview(reviewer string, at uint64) Status {
	return Status{Kind: StatusUnderReview, Actor: reviewer, At: at}
}

func resolved(resolution Resolution, by string, at uint64) Status {
	return Status{Kind: StatusResolved, Resolution: resolution, Actor: by, At: at}
}

func requiredStates(kinds ...StatusKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, " or ")
}
