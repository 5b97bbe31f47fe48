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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/engine"
	"github.com/tombee/maestro/pkg/ensemble/member"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	registry := member.NewRegistry()
	require.NoError(t, registry.Register(
		member.Metadata{Name: "echo", Version: "1.0.0"},
		func(_, _ map[string]any) (member.Member, error) {
			return member.Func(func(_ context.Context, req *member.Request) (*member.Response, error) {
				return &member.Response{OK: true, Data: req.Input}, nil
			}), nil
		}))
	require.NoError(t, registry.Register(
		member.Metadata{Name: "gate", Version: "1.0.0"},
		func(_, _ map[string]any) (member.Member, error) {
			return member.Func(func(_ context.Context, _ *member.Request) (*member.Response, error) {
				return &member.Response{Suspend: &member.Suspend{Reason: "approval"}}, nil
			}), nil
		}))

	e, err := engine.New(engine.Config{Registry: registry})
	require.NoError(t, err)
	return e
}

func parseDef(t *testing.T, src string) *ensemble.Definition {
	t.Helper()
	def, err := ensemble.Parse([]byte(src))
	require.NoError(t, err)
	return def
}

const triggerYAML = `
name: relay
flow:
  - member: echo
    input:
      got: "${input.payload}"
output:
  got: "${echo.got}"
webhooks:
  - path: /hooks/relay
`

func TestTriggerWebhook(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 0, nil)
	require.NoError(t, d.Register(parseDef(t, triggerYAML)))

	req := httptest.NewRequest(http.MethodPost, "/hooks/relay",
		strings.NewReader(`{"payload": "ping"}`))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result engine.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.Equal(t, map[string]any{"got": "ping"}, result.Data)
}

func TestTriggerAsyncReturnsAccepted(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 0, nil)
	def := parseDef(t, `
name: relay
flow:
  - member: echo
webhooks:
  - path: /hooks/relay
    async: true
`)
	require.NoError(t, d.Register(def))

	req := httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUnknownPath(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 0, nil)
	req := httptest.NewRequest(http.MethodPost, "/hooks/nope", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodEnforced(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 0, nil)
	require.NoError(t, d.Register(parseDef(t, triggerYAML)))

	req := httptest.NewRequest(http.MethodGet, "/hooks/relay", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	secret := "webhook-test-secret"
	d := New(testEngine(t), AuthConfig{JWTSecret: secret}, 0, nil)
	def := parseDef(t, `
name: relay
flow:
  - member: echo
webhooks:
  - path: /hooks/relay
    auth: bearer
`)
	require.NoError(t, d.Register(def))

	// No token.
	req := httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ci"})
	badSigned, err := bad.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+badSigned)
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	good := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ci",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	goodSigned, err := good.SignedString([]byte(secret))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+goodSigned)
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSignatureAuth(t *testing.T) {
	secret := "signing-secret"
	d := New(testEngine(t), AuthConfig{SigningSecret: secret}, 0, nil)
	def := parseDef(t, `
name: relay
flow:
  - member: echo
webhooks:
  - path: /hooks/relay
    auth: signature
`)
	require.NoError(t, d.Register(def))

	body := `{"payload": "signed"}`
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Tampered body fails.
	req = httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{"payload": "altered"}`))
	req.Header.Set(SignatureHeader, sig)
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	d := New(testEngine(t), AuthConfig{Users: map[string]string{"ops": string(hash)}}, 0, nil)
	def := parseDef(t, `
name: relay
flow:
  - member: echo
webhooks:
  - path: /hooks/relay
    auth: basic
`)
	require.NoError(t, d.Register(def))

	req := httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	req.SetBasicAuth("ops", "wrong")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
	req.SetBasicAuth("ops", "hunter2")
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResumeWebhook(t *testing.T) {
	e := testEngine(t)
	d := New(e, AuthConfig{}, 0, nil)
	def := parseDef(t, `
name: gated
flow:
  - member: gate
  - member: echo
    input:
      note: "${gate.note}"
output:
  note: "${echo.note}"
webhooks:
  - path: /hooks/gated
    mode: resume
`)
	require.NoError(t, d.Register(def))

	suspended, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSuspended, suspended.Status)

	req := httptest.NewRequest(http.MethodPost, "/hooks/gated/"+suspended.Token,
		strings.NewReader(`{"note": "ship it"}`))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result engine.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.Equal(t, engine.StatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"note": "ship it"}, result.Data)

	// Replays conflict: the frame is consumed.
	req = httptest.NewRequest(http.MethodPost, "/hooks/gated/"+suspended.Token,
		strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 1, nil)
	require.NoError(t, d.Register(parseDef(t, triggerYAML)))

	limited := false
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/hooks/relay", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of requests should trip the limiter")
}

func TestDuplicatePathRejected(t *testing.T) {
	d := New(testEngine(t), AuthConfig{}, 0, nil)
	require.NoError(t, d.Register(parseDef(t, triggerYAML)))

	other := parseDef(t, `
name: other
flow:
  - member: echo
webhooks:
  - path: /hooks/relay
`)
	assert.Error(t, d.Register(other))
}
