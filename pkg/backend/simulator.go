package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Error codes returned by the simulator.
const (
	ErrCodeSimulatedFault = "SIMULATED_FAULT"
	ErrCodeUnknownHandle  = "UNKNOWN_HANDLE"
	ErrCodeUnknownTarget  = "UNKNOWN_TARGET"
	ErrCodeReverted       = "REVERTED"
)

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithConfirmDelay makes every confirmation wait d before it resolves.
func WithConfirmDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		s.confirmDelay = d
	}
}

// WithNetwork names the simulated network; the name is mixed into addresses.
func WithNetwork(name string) SimulatorOption {
	return func(s *Simulator) {
		s.network = name
	}
}

// WithSimulatorLogger sets the logger used for submissions and confirmations.
func WithSimulatorLogger(logger *telemetry.Logger) SimulatorOption {
	return func(s *Simulator) {
		s.logger = logger.NewComponentLogger("simulator")
	}
}

// Contract is the simulated state of a deployed contract.
type Contract struct {
	Address string                 `json:"address"`
	Type    string                 `json:"type"`
	Args    []interface{}          `json:"args,omitempty"`
	Storage map[string]interface{} `json:"storage"`
}

type transaction struct {
	handle       engine.Handle
	sub          engine.Submission
	nonce        uint64
	confirmation *engine.Confirmation
}

// Simulator is an in-memory chain. Submissions are accepted immediately and
// applied when confirmed; each confirmation mines one block.
type Simulator struct {
	mu           sync.Mutex
	network      string
	nonce        uint64
	block        uint64
	confirmDelay time.Duration
	logger       *telemetry.Logger

	contracts   map[string]*Contract
	txs         map[engine.Handle]*transaction
	failSubmit  map[string]int
	failConfirm map[string]int
	submissions map[string]int
}

// NewSimulator creates an empty simulated chain.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		network:     "devnode",
		logger:      telemetry.NewNopLogger(),
		contracts:   make(map[string]*Contract),
		txs:         make(map[engine.Handle]*transaction),
		failSubmit:  make(map[string]int),
		failConfirm: make(map[string]int),
		submissions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Network returns the simulated network name.
func (s *Simulator) Network() string {
	return s.network
}

// FailSubmissions makes the next n submissions of actionID fail transiently.
func (s *Simulator) FailSubmissions(actionID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmit[actionID] = n
}

// FailConfirmations makes the next n confirmations of actionID drop the
// transaction with a transient error.
func (s *Simulator) FailConfirmations(actionID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConfirm[actionID] = n
}

// Submissions returns how many submissions of actionID were accepted or faulted.
func (s *Simulator) Submissions(actionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions[actionID]
}

// TotalSubmissions returns the number of submissions across all actions.
func (s *Simulator) TotalSubmissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.submissions {
		total += n
	}
	return total
}

// Contract returns a copy of the contract deployed at address.
func (s *Simulator) Contract(address string) (Contract, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[strings.ToLower(address)]
	if !ok {
		return Contract{}, false
	}
	out := *c
	out.Storage = make(map[string]interface{}, len(c.Storage))
	for k, v := range c.Storage {
		out.Storage[k] = v
	}
	return out, true
}

// BlockNumber returns the number of mined blocks.
func (s *Simulator) BlockNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block
}

// Submit implements engine.Backend.
func (s *Simulator) Submit(ctx context.Context, sub *engine.Submission) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", engine.NewTransientError("submission cancelled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions[sub.ActionID]++
	if s.failSubmit[sub.ActionID] > 0 {
		s.failSubmit[sub.ActionID]--
		return "", engine.NewTransientError("simulated submission fault", nil).
			WithCode(ErrCodeSimulatedFault).WithAction(sub.ActionID)
	}

	switch sub.Kind {
	case engine.ActionCreate:
		if sub.ContractType == "" {
			return "", engine.NewPermanentError("create requires a contract type", nil).
				WithCode(engine.ErrCodeValidation).WithAction(sub.ActionID)
		}
	case engine.ActionInvoke, engine.ActionRead:
		if _, err := s.target(sub); err != nil {
			return "", err
		}
	}

	s.nonce++
	handle := engine.Handle("0x" + s.digest(sub.ActionID, s.nonce, "tx"))
	s.txs[handle] = &transaction{handle: handle, sub: cloneSubmission(sub), nonce: s.nonce}

	s.logger.WithActionID(sub.ActionID).WithField("handle", string(handle)).
		WithField("attempt", sub.Attempt).Debug("transaction submitted")
	return handle, nil
}

// AwaitConfirmation implements engine.Backend. Awaiting a confirmed handle
// again returns the same confirmation.
func (s *Simulator) AwaitConfirmation(ctx context.Context, handle engine.Handle) (*engine.Confirmation, error) {
	if s.confirmDelay > 0 {
		timer := time.NewTimer(s.confirmDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, engine.NewTransientError("confirmation wait cancelled", ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[handle]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown transaction %s", handle), nil).
			WithCode(ErrCodeUnknownHandle)
	}
	if tx.confirmation != nil {
		return tx.confirmation, nil
	}

	id := tx.sub.ActionID
	if s.failConfirm[id] > 0 {
		s.failConfirm[id]--
		delete(s.txs, handle)
		return nil, engine.NewTransientError("simulated transaction drop", nil).
			WithCode(ErrCodeSimulatedFault).WithAction(id)
	}

	result, err := s.apply(tx)
	if err != nil {
		delete(s.txs, handle)
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode result", err).WithAction(id)
	}

	s.block++
	tx.confirmation = &engine.Confirmation{
		Result:   raw,
		BlockRef: strconv.FormatUint(s.block, 10),
	}

	s.logger.WithActionID(id).WithField("block", s.block).Debug("transaction confirmed")
	return tx.confirmation, nil
}

// Resumable implements engine.HandleResumer: a handle is resumable while the
// simulator still holds its transaction.
func (s *Simulator) Resumable(_ context.Context, handle engine.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txs[handle]
	return ok, nil
}

func (s *Simulator) apply(tx *transaction) (interface{}, error) {
	sub := &tx.sub
	switch sub.Kind {
	case engine.ActionCreate:
		address := "0x" + s.digest(sub.ActionID, tx.nonce, "contract")[:40]
		s.contracts[address] = &Contract{
			Address: address,
			Type:    sub.ContractType,
			Args:    sub.Args,
			Storage: make(map[string]interface{}),
		}
		return address, nil

	case engine.ActionReference:
		address, _ := sub.Target.(string)
		address = strings.ToLower(address)
		if address == "" {
			return nil, engine.NewPermanentError("reference requires an address", nil).
				WithCode(engine.ErrCodeValidation).WithAction(sub.ActionID)
		}
		if _, ok := s.contracts[address]; !ok {
			s.contracts[address] = &Contract{
				Address: address,
				Type:    sub.ContractType,
				Storage: make(map[string]interface{}),
			}
		}
		return address, nil

	case engine.ActionInvoke:
		c, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		return invoke(c, sub)

	case engine.ActionRead:
		c, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		return c.Storage[storageKey(sub.Method)], nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action kind %s", sub.Kind), nil).
			WithCode(engine.ErrCodeValidation).WithAction(sub.ActionID)
	}
}

func (s *Simulator) target(sub *engine.Submission) (*Contract, error) {
	address, ok := sub.Target.(string)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("target %v is not an address", sub.Target), nil).
			WithCode(ErrCodeUnknownTarget).WithAction(sub.ActionID)
	}
	c, ok := s.contracts[strings.ToLower(address)]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no contract at %s", address), nil).
			WithCode(ErrCodeUnknownTarget).WithAction(sub.ActionID)
	}
	return c, nil
}

func (s *Simulator) digest(actionID string, nonce uint64, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", s.network, salt, actionID, nonce)))
	return hex.EncodeToString(sum[:])
}

// invoke applies a state-changing call. inc and incBy add to "count",
// setX stores its first argument under "x", revert* always reverts. Any other
// method records its arguments under the method name.
func invoke(c *Contract, sub *engine.Submission) (interface{}, error) {
	method := sub.Method
	switch {
	case method == "inc" || method == "increment":
		return addCount(c, 1), nil

	case method == "incBy":
		if len(sub.Args) != 1 {
			return nil, reverted(sub, "incBy expects one argument")
		}
		n, ok := toNumber(sub.Args[0])
		if !ok {
			return nil, reverted(sub, fmt.Sprintf("incBy argument %v is not a number", sub.Args[0]))
		}
		if n <= 0 {
			return nil, reverted(sub, "incBy: increment should be positive")
		}
		return addCount(c, n), nil

	case strings.HasPrefix(method, "revert"):
		return nil, reverted(sub, method)

	case strings.HasPrefix(method, "set") && len(method) > 3:
		if len(sub.Args) == 0 {
			return nil, reverted(sub, method+" expects an argument")
		}
		c.Storage[storageKey(method[3:])] = sub.Args[0]
		return sub.Args[0], nil

	default:
		c.Storage[method] = sub.Args
		return nil, nil
	}
}

func addCount(c *Contract, n float64) float64 {
	current, _ := toNumber(c.Storage["count"])
	current += n
	c.Storage["count"] = current
	return current
}

func reverted(sub *engine.Submission, reason string) error {
	return engine.NewPermanentError("execution reverted: "+reason, nil).
		WithCode(ErrCodeReverted).WithAction(sub.ActionID)
}

// storageKey maps getters and setters onto storage slots: getCount, setCount
// and count all address "count"; x and getX address "x".
func storageKey(name string) string {
	if strings.HasPrefix(name, "get") && len(name) > 3 {
		name = name[3:]
	}
	r := []rune(name)
	if len(r) == 0 {
		return name
	}
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneSubmission(sub *engine.Submission) engine.Submission {
	out := *sub
	if sub.Args != nil {
		out.Args = append([]interface{}(nil), sub.Args...)
	}
	return out
}
