package server

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// OAuth error codes returned by this server.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeInvalidState            = "invalid_state"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeSlowDown                = "slow_down"
)

var defaultErrorStatus = map[string]int{
	ErrCodeInvalidToken:           http.StatusUnauthorized,
	ErrCodeAccessDenied:           http.StatusForbidden,
	ErrCodeServerError:            http.StatusInternalServerError,
	ErrCodeTemporarilyUnavailable: http.StatusServiceUnavailable,
	ErrCodeSlowDown:               http.StatusTooManyRequests,
}

// OAuthError is an error response in the shape defined by RFC 6749 section 5.2.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// newOAuthError builds an error with the conventional status for code.
func newOAuthError(code, desc string) *OAuthError {
	status, ok := defaultErrorStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	return &OAuthError{Code: code, Description: desc, Status: status}
}

func errInvalidRequest(desc string) *OAuthError { return newOAuthError(ErrCodeInvalidRequest, desc) }
func errInvalidGrant(desc string) *OAuthError   { return newOAuthError(ErrCodeInvalidGrant, desc) }
func errInvalidClient(desc string) *OAuthError  { return newOAuthError(ErrCodeInvalidClient, desc) }
func errAccessDenied(desc string) *OAuthError   { return newOAuthError(ErrCodeAccessDenied, desc) }

// withStatus returns a copy of e answered with status instead.
func (e *OAuthError) withStatus(status int) *OAuthError {
	cp := *e
	cp.Status = status
	return &cp
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError writes err as a JSON error body.
func writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, err.Status, err)
}

// oauthError reports err to the client. When redirectURI is a validated,
// registered redirect target the error travels back on the query string;
// otherwise it is written as JSON.
func oauthError(w http.ResponseWriter, redirectURI, state string, err *OAuthError) {
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		writeOAuthError(w, err)
		return
	}

	uri, perr := url.Parse(redirectURI)
	if perr != nil {
		writeOAuthError(w, err)
		return
	}
	q := uri.Query()
	q.Set("error", err.Code)
	if err.Description != "" {
		q.Set("error_description", err.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
