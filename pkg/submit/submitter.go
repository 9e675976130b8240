package submit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/internal/retry"
	"github.com/0xmhha/stakebot/pkg/chain"
	"github.com/0xmhha/stakebot/pkg/nonce"
)

// Config holds submitter configuration
type Config struct {
	// Coldkey pays for and signs every submission
	Coldkey string
	// Hotkey is the wallet hotkey, tried as a withdrawal signer when SignerFallback is set
	Hotkey string
	// TargetHotkey receives the stake; defaults to Hotkey
	TargetHotkey string
	// SignerFallback enables the hotkey as a second withdrawal signer
	SignerFallback bool
	// UnstakeFull tries the full-amount, no-limit withdrawal call first
	UnstakeFull bool

	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// Tip in base units (nil or 0 = none)
	Tip *big.Int

	WaitForInclusion    bool
	WaitForFinalization bool

	// RatePerSecond limits submissions (0 = unlimited)
	RatePerSecond float64
	Burst         int
}

// Request is one logical submission
type Request struct {
	Action Action
	Subnet chain.SubnetID
	Amount *big.Int
}

// Result describes a successful submission
type Result struct {
	TxID     chain.TxID
	Signer   string
	Module   string
	Function string
	Nonce    uint64
	Attempts int
}

// Submitter resolves, signs and submits stake calls with retry
type Submitter struct {
	client  chain.Client
	config  *Config
	nonces  map[string]*nonce.Manager
	limiter *rate.Limiter
	backoff retry.Backoff
	logger  *zap.Logger
	metrics *metrics.Metrics

	deposit    []Candidate
	withdrawal []Candidate
}

// New creates a submitter
func New(client chain.Client, config *Config, logger *zap.Logger, m *metrics.Metrics) (*Submitter, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Coldkey == "" {
		return nil, fmt.Errorf("coldkey cannot be empty")
	}
	if config.TargetHotkey == "" && config.Hotkey == "" {
		return nil, fmt.Errorf("hotkey cannot be empty")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("submit")

	limit := rate.Inf
	burst := config.Burst
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	s := &Submitter{
		client:     client,
		config:     config,
		nonces:     make(map[string]*nonce.Manager),
		limiter:    rate.NewLimiter(limit, burst),
		backoff:    retry.Backoff{Base: config.RetryBackoff, Max: config.MaxBackoff},
		logger:     logger,
		metrics:    m,
		deposit:    DepositCandidates(),
		withdrawal: WithdrawalCandidates(config.UnstakeFull),
	}
	for _, signer := range s.allSigners() {
		s.nonces[signer] = nonce.NewManager(client, signer, logger)
	}
	return s, nil
}

func (s *Submitter) allSigners() []string {
	signers := []string{s.config.Coldkey}
	if s.config.SignerFallback && s.config.Hotkey != "" && s.config.Hotkey != s.config.Coldkey {
		signers = append(signers, s.config.Hotkey)
	}
	return signers
}

func (s *Submitter) signers(action Action) []string {
	if action == Withdrawal {
		return s.allSigners()
	}
	return []string{s.config.Coldkey}
}

func (s *Submitter) candidates(action Action) []Candidate {
	if action == Withdrawal {
		return s.withdrawal
	}
	return s.deposit
}

func (s *Submitter) stakeHotkey() string {
	if s.config.TargetHotkey != "" {
		return s.config.TargetHotkey
	}
	return s.config.Hotkey
}

// Warmup refreshes the nonce of every signer
func (s *Submitter) Warmup(ctx context.Context) {
	for _, m := range s.nonces {
		m.Refresh(ctx)
	}
}

// Nonces returns the nonce manager of signer, or nil
func (s *Submitter) Nonces(signer string) *nonce.Manager {
	return s.nonces[signer]
}

// Submit resolves a call for req and submits it, retrying up to MaxRetries
// times with exponential backoff. The first returned tx id ends both the
// candidate and the retry loop.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := s.logger.With(
		zap.String("action", req.Action.String()),
		zap.Uint16("subnet", uint16(req.Subnet)),
	)

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		res, err := s.attempt(ctx, req, log)
		if err == nil {
			res.Attempts = attempt
			s.metrics.RecordSubmission(req.Action.String(), "success", time.Since(start))
			log.Info("Submitted",
				zap.String("tx", string(res.TxID)),
				zap.String("call", res.Function),
				zap.String("signer", res.Signer),
				zap.Uint64("nonce", res.Nonce),
				zap.Int("attempt", attempt),
			)
			return res, nil
		}
		lastErr = err

		log.Warn("Submission attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.config.MaxRetries),
			zap.Error(err),
		)

		if attempt == s.config.MaxRetries {
			break
		}
		if err := retry.Sleep(ctx, s.backoff.Delay(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	s.metrics.RecordSubmission(req.Action.String(), "failure", time.Since(start))
	return nil, fmt.Errorf("%w: %s on subnet %d: %w", ErrExhausted, req.Action, req.Subnet, lastErr)
}

// attempt makes one pass over the candidates. The first composed call is
// submitted with each signer in turn.
func (s *Submitter) attempt(ctx context.Context, req Request, log *zap.Logger) (*Result, error) {
	call, err := s.resolve(ctx, req, log)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, signer := range s.signers(req.Action) {
		res, err := s.signAndSubmit(ctx, signer, call)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Debug("Signer rejected",
			zap.String("signer", signer),
			zap.String("call", call.Function),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// resolve returns the first (candidate, variant) pair the runtime accepts
func (s *Submitter) resolve(ctx context.Context, req Request, log *zap.Logger) (*chain.Call, error) {
	hotkey := s.stakeHotkey()
	var errs []error

	for _, cand := range s.candidates(req.Action) {
		spec, err := s.probe(ctx, cand)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, v := range cand.Variants {
			call, err := s.compose(ctx, cand, spec, v, hotkey, req)
			if err != nil {
				log.Debug("Candidate not resolvable", zap.Error(err))
				errs = append(errs, err)
				continue
			}
			return call, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoCandidate, errors.Join(errs...))
}

// probe looks up call metadata. A client without metadata support yields
// a nil spec and composition decides.
func (s *Submitter) probe(ctx context.Context, cand Candidate) (*chain.CallSpec, error) {
	spec, err := s.client.CallMetadata(ctx, cand.Module, cand.Function)
	if errors.Is(err, chain.ErrUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, &ResolutionError{Module: cand.Module, Function: cand.Function, Err: err}
	}
	return spec, nil
}

func (s *Submitter) compose(ctx context.Context, cand Candidate, spec *chain.CallSpec, v ParamVariant, hotkey string, req Request) (*chain.Call, error) {
	params := v.Params(hotkey, req.Subnet, req.Amount)
	rerr := func(err error) error {
		return &ResolutionError{Module: cand.Module, Function: cand.Function, Variant: variantName(params), Err: err}
	}

	if v.NeedsAmount() && req.Amount == nil {
		return nil, rerr(ErrMissingAmount)
	}
	if spec != nil && len(spec.Args) > 0 {
		for name := range params {
			if !spec.HasArg(name) {
				return nil, rerr(fmt.Errorf("%w: %s", chain.ErrUnknownParam, name))
			}
		}
	}

	call, err := s.client.ComposeCall(ctx, cand.Module, cand.Function, params)
	if err != nil {
		return nil, rerr(err)
	}
	return call, nil
}

func variantName(params map[string]any) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (s *Submitter) signAndSubmit(ctx context.Context, signer string, call *chain.Call) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	nonces := s.nonces[signer]
	n := nonces.Next(ctx)

	var tip *big.Int
	if s.config.Tip != nil && s.config.Tip.Sign() > 0 {
		tip = new(big.Int).Set(s.config.Tip)
	}

	txID, err := s.client.SignAndSubmit(ctx, &chain.SignRequest{
		Call:                call,
		Signer:              signer,
		Nonce:               n,
		Tip:                 tip,
		WaitForInclusion:    s.config.WaitForInclusion,
		WaitForFinalization: s.config.WaitForFinalization,
	})
	if err != nil {
		nonces.Invalidate()
		if IsNonceConflict(err) {
			s.metrics.RecordNonceInvalidated("conflict")
			nonces.Refresh(ctx)
		} else {
			s.metrics.RecordNonceInvalidated("error")
		}
		return nil, fmt.Errorf("submit %s.%s as %s (nonce %d): %w", call.Module, call.Function, signer, n, err)
	}

	return &Result{
		TxID:     txID,
		Signer:   signer,
		Module:   call.Module,
		Function: call.Function,
		Nonce:    n,
	}, nil
}
