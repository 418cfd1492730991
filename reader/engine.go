package reader

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/juncaffe/android-epassport-reader-sub001/bac"
	"github.com/juncaffe/android-epassport-reader-sub001/chipauth"
	"github.com/juncaffe/android-epassport-reader-sub001/document"
	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/pace"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Phase of a reading run. Transitions are one-directional; Error is
// reachable from every non-terminal phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAccessControl
	PhaseChipAuthentication
	PhaseReading
	PhasePassiveAuthentication
	PhaseDone
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAccessControl:
		return "access control"
	case PhaseChipAuthentication:
		return "chip authentication"
	case PhaseReading:
		return "reading"
	case PhasePassiveAuthentication:
		return "passive authentication"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ErrorKind classifies a failed run.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrTransport
	ErrAccessControl
	ErrIntegrity
	ErrFraming
	ErrProtocol
	ErrCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrTransport:
		return "transport"
	case ErrAccessControl:
		return "access control"
	case ErrIntegrity:
		return "integrity"
	case ErrFraming:
		return "framing"
	case ErrProtocol:
		return "protocol"
	case ErrCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// State is one observed point of the run: the phase plus its payload.
type State struct {
	Phase Phase
	// File is set during Reading.
	File mrtd.FileID
	// Err is set in the Error phase.
	Err ErrorKind
}

// Progress reports retrieval completion during the Reading phase.
type Progress struct {
	File         mrtd.FileID
	FileFraction float64
	// OverallFraction counts completed files against the chip's declared
	// file list.
	OverallFraction float64
}

// RunError is the typed failure a run surfaces after cleanup.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("reader: run failed (%s): %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Credentials unlock the chip. Exactly one of MRZKey or CAN is used: the
// CAN with PACE when set, the MRZ key content otherwise (PACE when the chip
// handles it is the caller's choice via PreferPACE; BAC is the default).
type Credentials struct {
	// MRZKey is the key-relevant MRZ content: document number, birth date,
	// expiry date with check digits.
	MRZKey []byte
	// CAN is the card access number printed on the document.
	CAN string
}

type EngineOption func(*Engine)

// WithLogger injects the run logger. The default discards everything.
func WithLogger(log *logrus.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// WithChunkSize bounds a single READ BINARY.
func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		e.chunkSize = n
	}
}

// WithTimeoutRetries bounds per-chunk retransmissions.
func WithTimeoutRetries(n int) EngineOption {
	return func(e *Engine) {
		e.retries = n
	}
}

// PreferPACE makes MRZ-keyed runs use PACE instead of BAC.
func PreferPACE() EngineOption {
	return func(e *Engine) {
		e.preferPACE = true
	}
}

// WithStateListener registers a callback for every phase transition.
func WithStateListener(fn func(State)) EngineOption {
	return func(e *Engine) {
		e.onState = fn
	}
}

// WithProgressListener registers a callback for retrieval progress.
func WithProgressListener(fn func(Progress)) EngineOption {
	return func(e *Engine) {
		e.onProgress = fn
	}
}

// WithRandom overrides the randomness source, for deterministic tests.
func WithRandom(rng io.Reader) EngineOption {
	return func(e *Engine) {
		e.rng = rng
	}
}

// WithVerifierOptions forwards options to the passive authentication
// verifier.
func WithVerifierOptions(opts ...mrtd.VerifierOption) EngineOption {
	return func(e *Engine) {
		e.verifierOpts = opts
	}
}

// Engine owns the protocol state machine of a reading run.
type Engine struct {
	roots        *x509.CertPool
	log          *logrus.Logger
	chunkSize    int
	retries      int
	preferPACE   bool
	rng          io.Reader
	onState      func(State)
	onProgress   func(Progress)
	verifierOpts []mrtd.VerifierOption
}

func NewEngine(roots *x509.CertPool, opts ...EngineOption) *Engine {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	e := &Engine{
		roots:     roots,
		log:       quiet,
		chunkSize: DefaultChunkSize,
		retries:   DefaultTimeoutRetries,
		rng:       rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) transition(s State) {
	e.log.WithField("phase", s.Phase.String()).Debug("state transition")
	if e.onState != nil {
		e.onState(s)
	}
}

// Run executes one complete reading run. On success it returns the
// assembled result; a verification rejection still yields the full result
// with its per-file outcomes alongside the error. Session keys are wiped on
// every path.
func (e *Engine) Run(ctx context.Context, tr iso7816.Transport, creds Credentials) (*document.Result, error) {
	e.transition(State{Phase: PhaseAccessControl})

	codec, err := e.establish(ctx, tr, creds)
	if err != nil {
		return nil, e.fail(classify(err), err)
	}
	// The codec pointer is swapped on chip authentication; wipe whatever
	// session is live when the run ends.
	defer func() { codec.Keys().Wipe() }()

	files := &fileReader{tr: tr, codec: codec, chunkSize: e.chunkSize, retries: e.retries, log: e.log}

	com, err := e.readCommon(ctx, files)
	if err != nil {
		return nil, e.fail(classify(err), err)
	}

	trust := document.TrustPassive
	if hasFile(com, mrtd.DG14) {
		newCodec, err := e.authenticateChip(ctx, tr, files, codec)
		switch {
		case err == nil:
			codec = newCodec
			files.codec = newCodec
			trust = document.TrustChipAuthenticated
		case isChipAuthFailure(err):
			// Non-fatal: continue on the bootstrap session, the chip
			// simply has not proven it is genuine.
			e.log.WithError(err).Warn("chip authentication failed, trust degraded")
		default:
			return nil, e.fail(classify(err), err)
		}
	}

	contents, sod, err := e.readFiles(ctx, files, com)
	if err != nil {
		return nil, e.fail(classify(err), err)
	}

	e.transition(State{Phase: PhasePassiveAuthentication})
	so, err := mrtd.ParseSecurityObject(sod)
	if err != nil {
		return nil, e.fail(ErrProtocol, err)
	}
	report, verr := mrtd.NewVerifier(e.roots, e.verifierOpts...).Verify(so, contents)

	result := document.New(report, contents, trust)
	if verr != nil {
		e.transition(State{Phase: PhaseDone})
		return result, fmt.Errorf("reader: document rejected: %w", verr)
	}
	e.transition(State{Phase: PhaseDone})
	return result, nil
}

// establish selects the application and negotiates access control.
func (e *Engine) establish(ctx context.Context, tr iso7816.Transport, creds Credentials) (*secmsg.Codec, error) {
	resp, err := tr.Exchange(ctx, iso7816.SelectApplication(iso7816.AIDeMRTD))
	if err != nil {
		return nil, err
	}
	if resp.SW != iso7816.SWSuccess {
		return nil, &iso7816.StatusError{INS: iso7816.InsSelect, SW: resp.SW}
	}

	switch {
	case creds.CAN != "":
		return pace.Establish(ctx, tr, pace.DerivePassword(pace.PasswordCAN, []byte(creds.CAN)), e.rng)
	case len(creds.MRZKey) > 0 && e.preferPACE:
		return pace.Establish(ctx, tr, pace.DerivePassword(pace.PasswordMRZ, creds.MRZKey), e.rng)
	case len(creds.MRZKey) > 0:
		seed := bac.DeriveSeed(creds.MRZKey)
		defer secmsg.Zeroize(seed)
		return bac.Establish(ctx, tr, seed, e.rng)
	}
	return nil, fmt.Errorf("reader: no credentials")
}

func (e *Engine) readCommon(ctx context.Context, files *fileReader) (*mrtd.Common, error) {
	e.transition(State{Phase: PhaseReading, File: mrtd.EFCOM})
	rec, err := files.read(ctx, mrtd.EFCOM)
	if err != nil {
		return nil, err
	}
	return mrtd.ParseCommon(rec.Content)
}

func (e *Engine) authenticateChip(ctx context.Context, tr iso7816.Transport, files *fileReader, codec *secmsg.Codec) (*secmsg.Codec, error) {
	e.transition(State{Phase: PhaseReading, File: mrtd.DG14})
	rec, err := files.read(ctx, mrtd.DG14)
	if err != nil {
		return nil, err
	}
	infos, err := mrtd.ParseSecurityInfos(rec.Content)
	if err != nil {
		return nil, &chipauth.Error{Step: "dg14", Err: err}
	}
	if !infos.SupportsChipAuthentication() {
		return nil, &chipauth.Error{Step: "dg14", Err: fmt.Errorf("no usable chip authentication info")}
	}

	e.transition(State{Phase: PhaseChipAuthentication})
	return chipauth.Perform(ctx, tr, codec, infos.ChipAuthenticationPublicKey, e.rng)
}

// readFiles retrieves the security object and every data group EF.COM
// declares, reporting progress as it goes.
func (e *Engine) readFiles(ctx context.Context, files *fileReader, com *mrtd.Common) (map[int][]byte, []byte, error) {
	plan := append([]mrtd.FileID{mrtd.EFSOD}, com.DataGroups...)

	contents := make(map[int][]byte, len(com.DataGroups))
	var sod []byte
	for i, file := range plan {
		e.transition(State{Phase: PhaseReading, File: file})
		done := i
		files.onChunk = func(read, total int) {
			if e.onProgress == nil || total == 0 {
				return
			}
			frac := float64(read) / float64(total)
			e.onProgress(Progress{
				File:            file,
				FileFraction:    frac,
				OverallFraction: (float64(done) + frac) / float64(len(plan)),
			})
		}
		rec, err := files.read(ctx, file)
		if err != nil {
			return nil, nil, err
		}
		if file == mrtd.EFSOD {
			sod = rec.Content
		} else {
			contents[file.DG] = rec.Content
		}
	}
	files.onChunk = nil
	return contents, sod, nil
}

// fail wipes nothing the deferred cleanup does not already cover; it
// records the terminal state and wraps the cause.
func (e *Engine) fail(kind ErrorKind, err error) error {
	e.transition(State{Phase: PhaseError, Err: kind})
	return &RunError{Kind: kind, Err: err}
}

func hasFile(com *mrtd.Common, want mrtd.FileID) bool {
	for _, f := range com.DataGroups {
		if f == want {
			return true
		}
	}
	return false
}

func isChipAuthFailure(err error) bool {
	var caErr *chipauth.Error
	return errors.As(err, &caErr)
}

// classify maps a failure onto the run error taxonomy.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCancelled
	case isIntegrity(err):
		return ErrIntegrity
	case isFraming(err):
		return ErrFraming
	case isAccessControl(err):
		return ErrAccessControl
	case isTransport(err):
		return ErrTransport
	}
	return ErrProtocol
}

func isIntegrity(err error) bool {
	var ie *secmsg.IntegrityError
	return errors.As(err, &ie)
}

func isFraming(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

func isAccessControl(err error) bool {
	var be *bac.Error
	var pe *pace.Error
	return errors.As(err, &be) || errors.As(err, &pe)
}

func isTransport(err error) bool {
	var te *iso7816.TransportError
	return errors.As(err, &te)
}
