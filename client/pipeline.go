package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

const (
	tracerName      = "taskboard/client"
	requestSpanName = "taskboard.client.request"
)

var errReplayUnauthorized = errors.New("request still unauthorized after refresh")

// Refresher renews credentials. It fails when the refresh token is invalid or
// expired.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Logouter ends the local session.
type Logouter interface {
	Logout(ctx context.Context)
}

// Pipeline sends API requests and hides access-token expiry from callers: a
// 401 triggers at most one refresh per wave and the request is replayed once.
type Pipeline struct {
	base      *url.URL
	http      *http.Client
	state     *CredentialState
	refresher Refresher
	logout    Logouter
	logger    *log.Logger
}

// NewPipeline creates a pipeline for the API rooted at baseURL. The http
// client must carry the cookie jar shared with the auth service.
func NewPipeline(baseURL string, hc *http.Client, state *CredentialState, refresher Refresher, logout Logouter, logger *log.Logger) (*Pipeline, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if state == nil {
		state = NewCredentialState(false)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Pipeline{
		base:      base,
		http:      hc,
		state:     state,
		refresher: refresher,
		logout:    logout,
		logger:    logger,
	}, nil
}

// Send issues method path with an optional JSON body and decodes a successful
// response into out. Non-2xx responses other than 401 fail with
// *domain.HttpError; unrecoverable authorization fails with
// *domain.AuthExpiredError.
func (p *Pipeline) Send(ctx context.Context, method, path string, body, out any) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	payload, err := encodeBody(body)
	if err != nil {
		return err
	}
	// POST is not idempotent; the replay carries the same key so the server
	// can drop a duplicate.
	var key string
	if method == http.MethodPost {
		key = uuid.NewString()
	}

	resp, err := p.do(ctx, method, path, payload, key)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return readResponse(resp, out)
	}
	discard(resp)

	if err := p.awaitRefresh(ctx); err != nil {
		return err
	}
	span.AddEvent("replay")

	resp, err = p.do(ctx, method, path, payload, key)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		p.logger.WithFields(log.Fields{"method": method, "path": path}).Warn("replay rejected after refresh")
		// Replays of one wave share the session, so only the first rejection
		// ends it.
		if p.state.expire() && p.logout != nil {
			p.logout.Logout(context.WithoutCancel(ctx))
		}
		return &domain.AuthExpiredError{Cause: errReplayUnauthorized}
	}
	return readResponse(resp, out)
}

func (p *Pipeline) do(ctx context.Context, method, path string, payload []byte, key string) (*http.Response, error) {
	req, err := newRequest(ctx, p.http, p.base, method, path, payload)
	if err != nil {
		return nil, err
	}
	if key != "" {
		req.Header.Set(idempotencyHeaderName, key)
	}
	return p.http.Do(req)
}

// awaitRefresh either runs the refresh for this wave or waits for the running
// one. It returns nil when the caller should replay its request.
func (p *Pipeline) awaitRefresh(ctx context.Context) error {
	leader, wait := p.state.join()
	if !leader {
		select {
		case err := <-wait:
			if err != nil {
				return &domain.AuthExpiredError{Cause: err}
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	entry := p.logger.WithField("wave", uuid.NewString())
	entry.Debug("credential refresh started")

	// The refresh outcome is shared by every waiter, so the leader's own
	// cancellation must not abort it.
	detached := context.WithoutCancel(ctx)
	var err error
	if p.refresher == nil {
		err = errors.New("no credential refresher configured")
	} else {
		err = p.refresher.Refresh(detached)
	}
	released := p.state.release(err)
	if err != nil {
		entry.WithError(err).WithField("waiters", released).Warn("credential refresh failed")
		if p.logout != nil {
			p.logout.Logout(detached)
		}
		return &domain.AuthExpiredError{Cause: err}
	}
	entry.WithField("waiters", released).Info("credentials refreshed")
	return nil
}

// State exposes the shared credential state.
func (p *Pipeline) State() *CredentialState { return p.state }
