package omrs

import "encoding/json"

// Response is the envelope of every operation response. A success carries
// Result; a failure carries ErrorKind and the other error fields.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`

	ErrorKind              string         `json:"errorKind,omitempty"`
	RelatedHTTPCode        int            `json:"relatedHTTPCode,omitempty"`
	ErrorMessage           string         `json:"errorMessage,omitempty"`
	ErrorMessageID         string         `json:"errorMessageId,omitempty"`
	ErrorMessageParameters []string       `json:"errorMessageParameters,omitempty"`
	SystemAction           string         `json:"systemAction,omitempty"`
	UserAction             string         `json:"userAction,omitempty"`
	CausedBy               string         `json:"causedBy,omitempty"`
	ExceptionProperties    map[string]any `json:"exceptionProperties,omitempty"`
}

// ResultResponse wraps a result. A nil result is encoded as JSON null.
func ResultResponse(result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{Result: raw}, nil
}

// ErrorResponse converts err to its wire form.
func ErrorResponse(err error) Response {
	e := AsError(err)
	resp := Response{
		ErrorKind:              string(e.Kind),
		RelatedHTTPCode:        e.HTTPCode,
		ErrorMessage:           e.Message,
		ErrorMessageID:         e.MessageID,
		ErrorMessageParameters: e.Params,
		SystemAction:           e.SystemAction,
		UserAction:             e.UserAction,
		ExceptionProperties:    e.Properties,
	}
	if resp.RelatedHTTPCode == 0 {
		resp.RelatedHTTPCode = e.Kind.HTTPCode()
	}
	if e.Cause != nil {
		resp.CausedBy = e.Cause.Error()
	}
	return resp
}

// Err returns the error the response carries, or nil for a success.
// Unknown kinds decode as KindRepositoryError.
func (r Response) Err() error {
	if r.ErrorKind == "" {
		return nil
	}
	kind := KindFromWire(r.ErrorKind)
	e := &Error{
		Kind:         kind,
		MessageID:    r.ErrorMessageID,
		Message:      r.ErrorMessage,
		Params:       r.ErrorMessageParameters,
		SystemAction: r.SystemAction,
		UserAction:   r.UserAction,
		HTTPCode:     r.RelatedHTTPCode,
		Properties:   r.ExceptionProperties,
	}
	if e.HTTPCode == 0 {
		e.HTTPCode = kind.HTTPCode()
	}
	if r.CausedBy != "" {
		e.Cause = remoteCause(r.CausedBy)
	}
	return e
}

// Decode stores the result in out. It returns the carried error instead
// when the response is a failure.
func (r Response) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return Errorf(KindRepositoryError, "OMRS-CLIENT-500-002",
			"unable to decode the result: %s", err.Error()).WithCause(err)
	}
	return nil
}

// remoteCause is a cause reported by the server, known only by its text.
type remoteCause string

func (c remoteCause) Error() string { return string(c) }
