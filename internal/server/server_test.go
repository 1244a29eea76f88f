package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"calnotify/internal/domain"
)

type fakeStates struct {
	states map[string]string
	err    error
}

func (f *fakeStates) ConsumeState(_ context.Context, state string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	userID, ok := f.states[state]
	delete(f.states, state)
	return userID, ok, nil
}

type fakeTokens struct {
	saved []domain.Token
}

func (f *fakeTokens) SaveToken(_ context.Context, tok domain.Token) error {
	f.saved = append(f.saved, tok)
	return nil
}

type fakeExchanger struct {
	err error
}

func (f *fakeExchanger) Exchange(_ context.Context, userID, code string) (domain.Token, error) {
	if f.err != nil {
		return domain.Token{}, f.err
	}
	return domain.Token{UserID: userID, AccessToken: "at-" + code, RefreshToken: "rt"}, nil
}

func get(t *testing.T, h http.Handler, target string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rec.Code, string(body)
}

func TestCallbackSavesToken(t *testing.T) {
	states := &fakeStates{states: map[string]string{"s1": "U1"}}
	tokens := &fakeTokens{}
	h := New(states, tokens, &fakeExchanger{}, "").Handler()

	code, body := get(t, h, "/oauth/callback?code=c1&state=s1")
	if code != http.StatusOK || body != SuccessMessage {
		t.Fatalf("unexpected response: %d %q", code, body)
	}
	if len(tokens.saved) != 1 || tokens.saved[0].UserID != "U1" || tokens.saved[0].AccessToken != "at-c1" {
		t.Fatalf("unexpected saved tokens: %+v", tokens.saved)
	}

	// States are single use.
	if code, _ := get(t, h, "/oauth/callback?code=c1&state=s1"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 on replay, got %d", code)
	}
}

func TestCallbackRejections(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		states    *fakeStates
		exchanger *fakeExchanger
		want      int
	}{
		{"missing code", "/oauth/callback?state=s1", &fakeStates{states: map[string]string{"s1": "U1"}}, &fakeExchanger{}, http.StatusBadRequest},
		{"missing state", "/oauth/callback?code=c1", &fakeStates{}, &fakeExchanger{}, http.StatusBadRequest},
		{"denied", "/oauth/callback?error=access_denied", &fakeStates{}, &fakeExchanger{}, http.StatusBadRequest},
		{"unknown state", "/oauth/callback?code=c1&state=nope", &fakeStates{states: map[string]string{}}, &fakeExchanger{}, http.StatusBadRequest},
		{"state lookup error", "/oauth/callback?code=c1&state=s1", &fakeStates{err: errors.New("db")}, &fakeExchanger{}, http.StatusInternalServerError},
		{"exchange error", "/oauth/callback?code=c1&state=s1", &fakeStates{states: map[string]string{"s1": "U1"}}, &fakeExchanger{err: errors.New("invalid_grant")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{}
			h := New(tt.states, tokens, tt.exchanger, "").Handler()
			if code, _ := get(t, h, tt.target); code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, code)
			}
			if len(tokens.saved) != 0 {
				t.Fatalf("no token may be saved, got %+v", tokens.saved)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := New(&fakeStates{}, &fakeTokens{}, &fakeExchanger{}, "").Handler()
	if code, body := get(t, h, "/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected response: %d %q", code, body)
	}
	if code, _ := get(t, h, "/nope"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
