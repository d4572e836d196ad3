package apierr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Body — тело ответа об ошибке на HTTP-границе.
type Body struct {
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	Hint       string    `json:"hint,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	ServerTime time.Time `json:"server_time_utc,omitzero"`
}

func (e *Error) Body() Body {
	return Body{
		Code: e.Code, Message: e.Message, Hint: e.Hint, RetryAfter: e.RetryAfter,
		EventID: e.EventID, ServerTime: e.ServerTime,
	}
}

// Write отдаёт ошибку со статусом по коду; для транзиентных кодов — заголовок Retry-After.
func Write(w http.ResponseWriter, err error) {
	e := As(err)
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	WriteJSON(w, e.Code.HTTPStatus(), e.Body())
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
