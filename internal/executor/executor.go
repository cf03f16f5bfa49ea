// Package executor drives one inbound request through credential selection,
// the upstream call, frame decoding, translation, and retry/failover.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	kiroauth "github.com/router-for-me/KiroProxyAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
	"github.com/router-for-me/KiroProxyAPI/internal/eventstream"
	"github.com/router-for-me/KiroProxyAPI/internal/network"
	"github.com/router-for-me/KiroProxyAPI/internal/translator"
	"github.com/router-for-me/KiroProxyAPI/internal/util"
)

// Retry budgets: attempts per credential, then across the whole request.
const (
	PerCredentialMax = 3
	PerRequestMax    = 9

	streamAttemptTimeout  = 300 * time.Second
	requestAttemptTimeout = 30 * time.Second

	amzTarget   = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	contentType = "application/x-amz-json-1.0"
)

// Executor fans one request across the credential pool until it succeeds or
// the retry budget runs out.
type Executor struct {
	cfg    *config.Config
	pool   *credential.Pool
	client *http.Client

	// endpoint overrides the regional upstream URL in tests.
	endpoint string
}

// New builds an executor over the pool, honoring the configured outbound
// proxy. Per-attempt deadlines come from contexts, not the client.
func New(cfg *config.Config, pool *credential.Pool) *Executor {
	return &Executor{
		cfg:    cfg,
		pool:   pool,
		client: network.NewHTTPClient(cfg, 0),
	}
}

func (e *Executor) endpointURL() string {
	if e.endpoint != "" {
		return e.endpoint
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", e.cfg.Region)
}

// Execute handles a non-streaming request and returns the assembled
// Anthropic JSON response.
func (e *Executor) Execute(ctx context.Context, rawJSON []byte) ([]byte, *apperrors.AppError) {
	model := gjson.GetBytes(rawJSON, "model").String()
	var out []byte
	appErr := e.run(ctx, rawJSON, requestAttemptTimeout, func(body io.Reader) (bool, error) {
		collector := translator.NewCollector(model)
		if err := consumeStream(body, collector.Handle); err != nil {
			// Nothing reached the client yet; the attempt may be retried.
			return false, err
		}
		if errEvent := collector.Err(); errEvent != nil {
			return false, upstreamEventError(errEvent)
		}
		resp, err := collector.Response()
		if err != nil {
			return false, err
		}
		out = resp
		return true, nil
	})
	if appErr != nil {
		return nil, appErr
	}
	return out, nil
}

// ExecuteStream handles a streaming request, writing Anthropic SSE to w.
// Once the first event reaches the client, failures stop being retryable
// and surface as an SSE error event instead.
func (e *Executor) ExecuteStream(ctx context.Context, rawJSON []byte, w io.Writer) *apperrors.AppError {
	model := gjson.GetBytes(rawJSON, "model").String()
	return e.run(ctx, rawJSON, streamAttemptTimeout, func(body io.Reader) (bool, error) {
		st := translator.NewStreamTranslator(w, model)
		var earlyErr *eventstream.ErrorEvent
		var midErr error
		err := consumeStream(body, func(ev eventstream.Event) {
			// An error frame before any client bytes stays retryable; once
			// the stream started it is written through.
			if errEv, ok := ev.(eventstream.ErrorEvent); ok {
				if !st.Started() {
					earlyErr = &errEv
					return
				}
				midErr = fmt.Errorf("upstream error after stream start: %s: %s", errEv.Code, errEv.Message)
			}
			if handleErr := st.Handle(ev); handleErr != nil {
				// Client write failure; the deferred body close unwinds the
				// upstream connection.
				log.Debugf("client write failed: %v", handleErr)
			}
		})
		if err != nil {
			if !st.Started() {
				return false, err
			}
			log.Errorf("upstream stream died mid-response: %v", err)
			_ = st.WriteError("upstream stream interrupted")
			return true, err
		}
		if earlyErr != nil {
			return false, upstreamEventError(earlyErr)
		}
		return true, midErr
	})
}

// consumeStream decodes frames and feeds semantic events to handle, closing
// the sequence via the mapper's Finish on clean EOF.
func consumeStream(body io.Reader, handle func(eventstream.Event)) error {
	dec := eventstream.NewDecoder(body)
	mapper := eventstream.NewMapper()
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		for _, ev := range mapper.Map(frame) {
			handle(ev)
		}
	}
	for _, ev := range mapper.Finish() {
		handle(ev)
	}
	return nil
}

// fatalAttemptError marks outcomes that must not be retried.
type fatalAttemptError struct {
	appErr  *apperrors.AppError
	outcome credential.Outcome
}

func (f *fatalAttemptError) Error() string { return f.appErr.Error() }

// transientStatusError is a retryable upstream status, kept typed so the
// exhaustion path can tell rate limiting apart from other failures.
type transientStatusError struct {
	status  int
	message string
}

func (t *transientStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", t.status, t.message)
}

func upstreamEventError(ev *eventstream.ErrorEvent) error {
	status := http.StatusBadGateway
	code := apperrors.CodeAPIError
	outcome := credential.OutcomeTransient
	if ev.Code == "ValidationException" {
		status = http.StatusBadRequest
		code = apperrors.CodeInvalidRequest
		outcome = credential.OutcomeRejected
	}
	return &fatalAttemptError{
		appErr:  apperrors.New(status, code, fmt.Sprintf("%s: %s", ev.Code, ev.Message), nil),
		outcome: outcome,
	}
}

// run is the retry/failover loop: credentials in priority order, up to
// PerCredentialMax attempts each, PerRequestMax overall.
func (e *Executor) run(ctx context.Context, rawJSON []byte, attemptTimeout time.Duration,
	consume func(io.Reader) (bool, error)) *apperrors.AppError {

	candidates := e.pool.Candidates()
	if len(candidates) == 0 {
		return apperrors.New(http.StatusServiceUnavailable, apperrors.CodeUpstreamUnavailable,
			"no upstream credentials available", nil)
	}

	attemptsTotal := 0
	var lastErr error

	for _, id := range candidates {
		perCredential := 0
		for perCredential < PerCredentialMax && attemptsTotal < PerRequestMax {
			if err := ctx.Err(); err != nil {
				return apperrors.New(statusClientClosedRequest, apperrors.CodeAPIError,
					"client disconnected", err)
			}
			if perCredential > 0 {
				if err := sleepBackoff(ctx, perCredential-1); err != nil {
					return apperrors.New(statusClientClosedRequest, apperrors.CodeAPIError,
						"client disconnected", err)
				}
			}

			lease, err := e.pool.Acquire(ctx, id)
			if err != nil {
				lastErr = err
				switch {
				case errors.Is(err, credential.ErrAuthInvalid),
					errors.Is(err, credential.ErrRefreshPermanent),
					errors.Is(err, credential.ErrDisabled),
					errors.Is(err, credential.ErrNotFound):
					log.Warnf("credential %d unusable: %v", id, err)
					perCredential = PerCredentialMax
					continue
				default:
					// Transient refresh failure, retry this credential.
					attemptsTotal++
					perCredential++
					log.Debugf("credential %d refresh failed transiently: %v", id, err)
					continue
				}
			}

			attemptsTotal++
			perCredential++

			done, attemptErr := e.attempt(ctx, lease, rawJSON, attemptTimeout, consume)
			if done {
				// The client saw output, so the request is over either way;
				// a stream that then died still counts against the credential.
				if attemptErr != nil {
					e.pool.Report(id, credential.OutcomeTransient)
					log.Debugf("started stream on credential %d failed: %v", id, attemptErr)
				} else {
					e.pool.Report(id, credential.OutcomeSuccess)
				}
				return nil
			}

			var fatal *fatalAttemptError
			if errors.As(attemptErr, &fatal) {
				e.pool.Report(id, fatal.outcome)
				if fatal.outcome == credential.OutcomeRejected {
					return fatal.appErr
				}
				if fatal.outcome == credential.OutcomeAuthInvalid {
					lastErr = fatal.appErr
					perCredential = PerCredentialMax
					continue
				}
				lastErr = fatal.appErr
				continue
			}

			lastErr = attemptErr
			e.pool.Report(id, credential.OutcomeTransient)
			log.Debugf("attempt %d on credential %d failed: %v", attemptsTotal, id, attemptErr)
		}
		if attemptsTotal >= PerRequestMax {
			break
		}
	}

	var transient *transientStatusError
	if errors.As(lastErr, &transient) && transient.status == http.StatusTooManyRequests {
		return apperrors.New(http.StatusTooManyRequests, apperrors.CodeRateLimit,
			"upstream rate limited every credential", lastErr)
	}
	return apperrors.New(http.StatusServiceUnavailable, apperrors.CodeUpstreamUnavailable,
		"all upstream credentials exhausted", lastErr)
}

// statusClientClosedRequest is the nginx convention for client disconnects.
const statusClientClosedRequest = 499

// attempt performs one upstream call. It returns done=true when the consume
// callback finished (successfully or after the client saw partial output);
// done may pair with a non-nil error when a started stream failed.
func (e *Executor) attempt(ctx context.Context, lease *credential.Lease, rawJSON []byte,
	attemptTimeout time.Duration, consume func(io.Reader) (bool, error)) (bool, error) {

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	rec := lease.Record
	profileArn := ""
	if rec.AuthMethod == "" || rec.AuthMethod == credential.AuthMethodSocial {
		profileArn = rec.ProfileArn
	}
	upstream, err := translator.BuildUpstreamRequest(rawJSON, profileArn)
	if err != nil {
		return false, &fatalAttemptError{
			appErr:  apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, err.Error(), err),
			outcome: credential.OutcomeRejected,
		}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, e.endpointURL(), bytes.NewReader(upstream.Body))
	if err != nil {
		return false, fmt.Errorf("build upstream request: %w", err)
	}
	e.setHeaders(req, rec)

	resp, err := e.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("upstream call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, e.statusError(resp)
	}

	return consume(resp.Body)
}

func (e *Executor) setHeaders(req *http.Request, rec credential.Record) {
	machineID := kiroauth.MachineID(rec.MachineID, e.cfg.MachineID, rec.RefreshToken)
	ide := fmt.Sprintf("KiroIDE-%s-%s", e.cfg.KiroVersion, machineID)

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Target", amzTarget)
	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=1")
	req.Header.Set("X-Amzn-Kiro-Agent-Mode", "vibe")
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("X-Amz-User-Agent", "aws-sdk-js/1.0.18 "+ide)
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.18 ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#1.0.18 m/E %s",
		e.cfg.SystemVersion, e.cfg.NodeVersion, ide))
}

// statusError classifies a non-200 upstream status.
func (e *Executor) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := gjson.GetBytes(body, "message").String()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	log.Debugf("upstream status %d: %s", resp.StatusCode, util.RedactSensitiveJSON(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &fatalAttemptError{
			appErr: apperrors.New(http.StatusBadGateway, apperrors.CodeAuthentication,
				fmt.Sprintf("upstream rejected credentials: %s", message), nil),
			outcome: credential.OutcomeAuthInvalid,
		}
	case retryableStatus(resp.StatusCode):
		return &transientStatusError{status: resp.StatusCode, message: message}
	default:
		status := resp.StatusCode
		return &fatalAttemptError{
			appErr: apperrors.New(status, apperrors.CodeInvalidRequest,
				fmt.Sprintf("upstream rejected request: %s", message), nil),
			outcome: credential.OutcomeRejected,
		}
	}
}
