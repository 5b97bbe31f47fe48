// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook exposes ensemble webhooks over HTTP: trigger
// bindings start executions, resume bindings complete suspended ones.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	ilog "github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/engine"
	"github.com/tombee/maestro/pkg/errors"
)

// SignatureHeader carries the HMAC-SHA256 body digest for signature
// auth, hex encoded with a "sha256=" prefix.
const SignatureHeader = "X-Maestro-Signature"

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 1 << 20

// AuthConfig holds the daemon's webhook credentials.
type AuthConfig struct {
	// JWTSecret verifies bearer tokens (HMAC signing methods)
	JWTSecret string `yaml:"jwt_secret"`

	// SigningSecret keys the HMAC body signature scheme
	SigningSecret string `yaml:"signing_secret"`

	// Users maps basic-auth usernames to bcrypt password hashes
	Users map[string]string `yaml:"users"`
}

// Runner is the engine surface the dispatcher needs.
type Runner interface {
	Execute(ctx context.Context, def *ensemble.Definition, input map[string]any) (*engine.Result, error)
	Resume(ctx context.Context, def *ensemble.Definition, token string) (*engine.Result, error)
	Suspends() *engine.SuspendManager
}

// binding pairs a webhook declaration with its ensemble.
type binding struct {
	def  *ensemble.Definition
	hook *ensemble.WebhookDefinition
}

// Dispatcher routes webhook requests to ensemble executions.
type Dispatcher struct {
	runner  Runner
	auth    AuthConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*binding // keyed by path
}

// New creates a dispatcher. ratePerSecond <= 0 disables limiting.
func New(runner Runner, auth AuthConfig, ratePerSecond float64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
	return &Dispatcher{
		runner:   runner,
		auth:     auth,
		limiter:  limiter,
		logger:   logger,
		bindings: make(map[string]*binding),
	}
}

// Register installs an ensemble's webhook bindings, replacing earlier
// ones for the same ensemble.
func (d *Dispatcher) Register(def *ensemble.Definition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, b := range d.bindings {
		if b.def.Name == def.Name {
			delete(d.bindings, path)
		}
	}
	for i := range def.Webhooks {
		hook := &def.Webhooks[i]
		path := normalizePath(hook.Path)
		if other, taken := d.bindings[path]; taken {
			return &errors.ConfigError{
				Key:    "webhooks." + path,
				Reason: "path already bound by ensemble " + other.def.Name,
			}
		}
		d.bindings[path] = &binding{def: def, hook: hook}
	}
	return nil
}

// Unregister drops an ensemble's bindings.
func (d *Dispatcher) Unregister(ensembleName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, b := range d.bindings {
		if b.def.Name == ensembleName {
			delete(d.bindings, path)
		}
	}
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// ServeHTTP implements http.Handler for the webhook namespace.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.limiter != nil && !d.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	path, token := splitResumeToken(normalizePath(r.URL.Path))

	d.mu.RLock()
	b, ok := d.bindings[path]
	d.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no webhook bound to "+path)
		return
	}

	method := b.hook.Method
	if method == "" {
		method = http.MethodPost
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	actor, err := d.authenticate(r, b.hook.Auth, body)
	if err != nil {
		d.logger.Warn("webhook auth failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "body must be a JSON object")
			return
		}
	}

	ctx := r.Context()
	if b.hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.hook.Timeout)*time.Second)
		defer cancel()
	}

	switch b.hook.Mode {
	case "resume":
		d.handleResume(ctx, w, b, token, actor, payload)
	default:
		d.handleTrigger(ctx, w, r, b, payload)
	}
}

// handleTrigger starts an execution with the request body as input.
func (d *Dispatcher) handleTrigger(ctx context.Context, w http.ResponseWriter, r *http.Request, b *binding, input map[string]any) {
	if b.hook.Async {
		// Detach from the request lifecycle.
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			result, err := d.runner.Execute(runCtx, b.def, input)
			if err != nil {
				d.logger.Error("async webhook execution failed",
					slog.String(ilog.EnsembleKey, b.def.Name),
					slog.String("error", err.Error()))
				return
			}
			d.logger.Info("async webhook execution finished",
				slog.String(ilog.EnsembleKey, b.def.Name),
				slog.String(ilog.ExecutionIDKey, result.ExecutionID),
				slog.String("status", result.Status))
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "ensemble": b.def.Name})
		return
	}

	result, err := d.runner.Execute(ctx, b.def, input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, result)
}

// handleResume approves the frame with the request body as approval
// data, then resumes the execution.
func (d *Dispatcher) handleResume(ctx context.Context, w http.ResponseWriter, b *binding, token, actor string, data map[string]any) {
	if token == "" {
		writeError(w, http.StatusBadRequest, "resume webhooks require a token path segment")
		return
	}

	if err := d.runner.Suspends().Approve(ctx, token, actor, data); err != nil {
		switch errors.Classify(err) {
		case errors.KindTokenExpired:
			writeError(w, http.StatusNotFound, err.Error())
		case errors.KindInvalidStateTransition:
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	result, err := d.runner.Resume(ctx, b.def, token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, result)
}

// splitResumeToken peels a trailing resume token segment off a path.
func splitResumeToken(path string) (string, string) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return path, ""
	}
	if last := path[idx+1:]; strings.HasPrefix(last, "resume_") {
		return path[:idx], last
	}
	return path, ""
}

// authenticate enforces the binding's auth scheme and returns the
// authenticated principal.
func (d *Dispatcher) authenticate(r *http.Request, scheme string, body []byte) (string, error) {
	switch scheme {
	case "":
		return "anonymous", nil
	case "bearer":
		return d.authBearer(r)
	case "signature":
		return d.authSignature(r, body)
	case "basic":
		return d.authBasic(r)
	default:
		return "", errors.New("unknown auth scheme: " + scheme)
	}
}

func (d *Dispatcher) authBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", errors.New("missing bearer token")
	}
	if d.auth.JWTSecret == "" {
		return "", errors.New("bearer auth not configured")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(d.auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			return sub, nil
		}
	}
	return "bearer", nil
}

func (d *Dispatcher) authSignature(r *http.Request, body []byte) (string, error) {
	if d.auth.SigningSecret == "" {
		return "", errors.New("signature auth not configured")
	}
	header := r.Header.Get(SignatureHeader)
	provided, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return "", errors.New("missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(d.auth.SigningSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return "", errors.New("signature mismatch")
	}
	return "signature", nil
}

func (d *Dispatcher) authBasic(r *http.Request) (string, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", errors.New("missing basic credentials")
	}
	hash, known := d.auth.Users[user]
	if !known {
		return "", errors.New("unknown user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return "", errors.New("bad password")
	}
	return user, nil
}

// writeResult maps an engine result onto HTTP.
func writeResult(w http.ResponseWriter, result *engine.Result) {
	status := http.StatusOK
	switch result.Status {
	case engine.StatusSuspended:
		status = http.StatusAccepted
	case engine.StatusFailed:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
