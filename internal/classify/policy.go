// Package classify selects the servicing policy a payment is processed
// under. Policies are frozen: the classifier picks one, stamps its config
// into the saga start event, and downstream stages follow that config even
// if the loan changes afterwards.
package classify

import (
	"github.com/loanserve/engine/internal/loans"
)

type Policy string

const (
	PolicyCurrent      Policy = "current"
	PolicyDelinquent   Policy = "delinquent"
	PolicyDefault      Policy = "default"
	PolicyChargedOff   Policy = "charged_off"
	PolicySuspense     Policy = "suspense"
	PolicyConservative Policy = "conservative"
)

// Flags are the behavioral switches a policy carries downstream.
type Flags struct {
	ApplyLateFees             bool `json:"apply_late_fees"`
	AcceleratePayoff          bool `json:"accelerate_payoff"`
	NotifyInvestors           bool `json:"notify_investors"`
	EscalateToLegal           bool `json:"escalate_to_legal"`
	AllowPartialPayments      bool `json:"allow_partial_payments"`
	RequireSupervisorApproval bool `json:"require_supervisor_approval"`
}

// Config is the frozen per-policy processing configuration.
type Config struct {
	Policy         Policy   `json:"policy"`
	Waterfall      []string `json:"waterfall"`
	RequiresReview bool     `json:"requires_review"`
	AutoApply      bool     `json:"auto_apply"`
	MaxDaysLate    int      `json:"max_days_late"`
	Flags          Flags    `json:"flags"`
}

// Allocation bucket names used in waterfalls.
const (
	BucketLateFees  = "late_fees"
	BucketInterest  = "interest"
	BucketPrincipal = "principal"
	BucketEscrow    = "escrow"
	BucketRecovery  = "recovery"
	BucketSuspense  = "suspense"
)

var policyConfigs = map[Policy]Config{
	PolicyCurrent: {
		Policy:      PolicyCurrent,
		Waterfall:   []string{BucketInterest, BucketPrincipal, BucketEscrow, BucketLateFees},
		AutoApply:   true,
		MaxDaysLate: 30,
		Flags:       Flags{AllowPartialPayments: true},
	},
	PolicyDelinquent: {
		Policy:      PolicyDelinquent,
		Waterfall:   []string{BucketLateFees, BucketInterest, BucketPrincipal, BucketEscrow},
		AutoApply:   true,
		MaxDaysLate: 90,
		Flags: Flags{
			ApplyLateFees:        true,
			NotifyInvestors:      true,
			AllowPartialPayments: true,
		},
	},
	PolicyDefault: {
		Policy:         PolicyDefault,
		Waterfall:      []string{BucketLateFees, BucketInterest, BucketPrincipal},
		RequiresReview: true,
		MaxDaysLate:    180,
		Flags: Flags{
			ApplyLateFees:             true,
			AcceleratePayoff:          true,
			EscalateToLegal:           true,
			AllowPartialPayments:      true,
			RequireSupervisorApproval: true,
		},
	},
	PolicyChargedOff: {
		Policy:         PolicyChargedOff,
		Waterfall:      []string{BucketRecovery},
		RequiresReview: true,
		Flags: Flags{
			AcceleratePayoff:          true,
			EscalateToLegal:           true,
			AllowPartialPayments:      false,
			RequireSupervisorApproval: true,
		},
	},
	PolicySuspense: {
		Policy:         PolicySuspense,
		Waterfall:      []string{BucketSuspense},
		RequiresReview: true,
		Flags: Flags{
			AllowPartialPayments:      true,
			RequireSupervisorApproval: true,
		},
	},
	PolicyConservative: {
		Policy:         PolicyConservative,
		Waterfall:      []string{BucketSuspense},
		RequiresReview: true,
		Flags: Flags{
			NotifyInvestors:           true,
			AllowPartialPayments:      true,
			RequireSupervisorApproval: true,
		},
	},
}

// ConfigFor returns the frozen config for a policy.
func ConfigFor(p Policy) Config {
	cfg, ok := policyConfigs[p]
	if !ok {
		return policyConfigs[PolicyConservative]
	}
	return cfg
}

// Select picks the policy for a loan. A nil loan selects conservative and
// the caller opens a reconcile_variance case. When statusWins is set,
// forbearance and modification override delinquency arithmetic: the
// borrower has an agreement, so aging the loan into delinquent/default
// would process their payment under the wrong waterfall.
func Select(loan *loans.Loan, statusWins bool) (Policy, bool) {
	if loan == nil {
		return PolicyConservative, true
	}

	agreement := loan.Status == loans.StatusForbearance || loan.Status == loans.StatusModification
	if statusWins && agreement {
		return PolicyConservative, false
	}

	switch {
	case loan.DaysPastDue > 180:
		return PolicyChargedOff, false
	case loan.DaysPastDue > 90:
		return PolicyDefault, false
	case loan.DaysPastDue > 0:
		return PolicyDelinquent, false
	}

	switch loan.Status {
	case loans.StatusActive, loans.StatusCurrent:
		return PolicyCurrent, false
	case loans.StatusLate, loans.StatusDelinquent:
		return PolicyDelinquent, false
	case loans.StatusDefault:
		return PolicyDefault, false
	case loans.StatusChargedOff, loans.StatusForeclosure, loans.StatusREO:
		return PolicyChargedOff, false
	case loans.StatusForbearance, loans.StatusModification:
		return PolicyConservative, false
	case loans.StatusApplication, loans.StatusUnderwriting, loans.StatusApproved,
		loans.StatusClosed, loans.StatusPaidOff:
		return PolicySuspense, false
	default:
		return PolicyConservative, false
	}
}
