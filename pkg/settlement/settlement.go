// Package settlement implements the AUR/SC4 settlement-coin state
// machine: per-settlement phase FSM, preconditions, and mint/transfer/
// burn completion effects.
//
// Trimmed of any REST/compliance-prose surface — only the state
// machine and its preconditions are implemented here.
package settlement

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pravyom/metanode-core/pkg/decimal"
)

// Phase is one of the five settlement lifecycle states.
type Phase uint8

const (
	Initiated Phase = iota
	CoinTransfer
	Clearing
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Initiated:
		return "Initiated"
	case CoinTransfer:
		return "CoinTransfer"
	case Clearing:
		return "Clearing"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Progress returns the configured progress percentage for a phase:
// 10, 40, 80, 100, 0 for Initiated, CoinTransfer, Clearing, Completed,
// Failed respectively.
func (p Phase) Progress() int {
	switch p {
	case Initiated:
		return 10
	case CoinTransfer:
		return 40
	case Clearing:
		return 80
	case Completed:
		return 100
	case Failed:
		return 0
	default:
		return 0
	}
}

// InvalidSettlementPhase is returned when a requested transition is not
// one of the allowed edges.
type InvalidSettlementPhase struct {
	Expected Phase
	Actual   Phase
}

func (e InvalidSettlementPhase) Error() string {
	return fmt.Sprintf("settlement: invalid phase transition: expected %s, actual %s", e.Expected, e.Actual)
}

// Errors returned by precondition checks.
var (
	ErrCapExceeded       = errors.New("settlement: amount exceeds source bank per-settlement cap")
	ErrMissingParty      = errors.New("settlement: payer or payee identity is empty")
	ErrLicenseExpired    = errors.New("settlement: bank license expired")
	ErrSanctioned        = errors.New("settlement: party is on sanctions list")
)

// BankIdentity is the minimal bank-side information a precondition
// check needs: cap, license expiry, and sanctions status.
type BankIdentity struct {
	ID              string
	PerSettlementCap decimal.Fixed
	LicenseExpiry   time.Time
	Sanctioned      bool
}

// Metrics counts completion effects with plain atomic counters rather
// than a Prometheus client. TotalValueSettled is a running sum of every
// completed settlement's Amount, protected by mu since decimal.Fixed
// wraps a *big.Int and can't be updated atomically.
type Metrics struct {
	Completed int64
	Failed    int64
	Minted    int64
	Burned    int64

	mu                sync.Mutex
	totalValueSettled decimal.Fixed
}

func (m *Metrics) incCompleted() { atomic.AddInt64(&m.Completed, 1) }
func (m *Metrics) incFailed()    { atomic.AddInt64(&m.Failed, 1) }
func (m *Metrics) incMinted()    { atomic.AddInt64(&m.Minted, 1) }
func (m *Metrics) incBurned()    { atomic.AddInt64(&m.Burned, 1) }

func (m *Metrics) addValueSettled(amount decimal.Fixed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalValueSettled = m.totalValueSettled.Add(amount)
}

// TotalValueSettled returns the running sum of every completed
// settlement's Amount.
func (m *Metrics) TotalValueSettled() decimal.Fixed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalValueSettled
}

// Ledger is the minimal mint/transfer/burn surface a Settlement needs
// at completion. Implementations live wherever settlement coins are
// actually held; this package only defines the seam.
type Ledger interface {
	Mint(bank string, amount decimal.Fixed) error
	Transfer(from, to string, amount decimal.Fixed) error
	Burn(bank string, amount decimal.Fixed) error
}

// Settlement is one inter-bank settlement in progress.
type Settlement struct {
	SettlementID        string
	BankA               string
	BankB               string
	Amount              decimal.Fixed
	Currency            string
	Phase               Phase
	EstimatedCompletion time.Time

	Payer string
	Payee string
}

// New creates a settlement in the Initiated phase.
func New(id, bankA, bankB string, amount decimal.Fixed, currency, payer, payee string, eta time.Time) *Settlement {
	return &Settlement{
		SettlementID:        id,
		BankA:               bankA,
		BankB:               bankB,
		Amount:              amount,
		Currency:            currency,
		Phase:               Initiated,
		EstimatedCompletion: eta,
		Payer:               payer,
		Payee:               payee,
	}
}

// Progress returns the current phase's progress percentage.
func (s *Settlement) Progress() int { return s.Phase.Progress() }

// checkPreconditions validates the preconditions required before
// Initiated → CoinTransfer: amount within cap, non-empty payer/payee,
// unexpired license, not sanctioned.
func checkPreconditions(s *Settlement, source BankIdentity, now time.Time) error {
	if s.Amount.Cmp(source.PerSettlementCap) > 0 {
		return fmt.Errorf("%w: amount=%s cap=%s", ErrCapExceeded, s.Amount, source.PerSettlementCap)
	}
	if s.Payer == "" || s.Payee == "" {
		return ErrMissingParty
	}
	if now.After(source.LicenseExpiry) {
		return ErrLicenseExpired
	}
	if source.Sanctioned {
		return ErrSanctioned
	}
	return nil
}

// allowed enumerates the only valid (current -> next) edges.
func allowed(from, to Phase) bool {
	if to == Failed {
		return from != Completed && from != Failed
	}
	switch from {
	case Initiated:
		return to == CoinTransfer
	case CoinTransfer:
		return to == Clearing
	case Clearing:
		return to == Completed
	default:
		return false
	}
}

// Transition moves the settlement to `to`, validating preconditions on
// the Initiated → CoinTransfer edge specifically, and rejecting any
// edge not enumerated by allowed().
func (s *Settlement) Transition(to Phase, source BankIdentity, now time.Time, ledger Ledger, metrics *Metrics) error {
	if !allowed(s.Phase, to) {
		return InvalidSettlementPhase{Expected: s.Phase, Actual: to}
	}

	if s.Phase == Initiated && to == CoinTransfer {
		if err := checkPreconditions(s, source, now); err != nil {
			s.Phase = Failed
			if metrics != nil {
				metrics.incFailed()
			}
			return err
		}
	}

	s.Phase = to

	if to == Completed {
		if ledger != nil {
			if err := ledger.Mint(s.BankA, s.Amount); err != nil {
				s.Phase = Failed
				if metrics != nil {
					metrics.incFailed()
				}
				return fmt.Errorf("settlement: mint at source: %w", err)
			}
			if metrics != nil {
				metrics.incMinted()
			}
			if err := ledger.Transfer(s.BankA, s.BankB, s.Amount); err != nil {
				s.Phase = Failed
				if metrics != nil {
					metrics.incFailed()
				}
				return fmt.Errorf("settlement: transfer: %w", err)
			}
			if err := ledger.Burn(s.BankB, s.Amount); err != nil {
				s.Phase = Failed
				if metrics != nil {
					metrics.incFailed()
				}
				return fmt.Errorf("settlement: burn at destination: %w", err)
			}
			if metrics != nil {
				metrics.incBurned()
			}
		}
		if metrics != nil {
			metrics.incCompleted()
			metrics.addValueSettled(s.Amount)
		}
	}

	if to == Failed && metrics != nil {
		metrics.incFailed()
	}

	return nil
}
