package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/msgcore/internal/apperror"
	"github.com/msgcore/internal/logger"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, kind apperror.Kind, msg string) {
	writeJSON(w, apperror.HTTPStatus(kind), errorResponse{Error: msg, Kind: string(kind)})
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ; внутренние детали наружу не попадают.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, apperror.KindOf(err), apperror.MessageOf(err))
}

// decodeJSON читает тело запроса в dst. Пустое тело: ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, apperror.KindInvalidArgument, "body too large")
		case errors.Is(err, io.EOF):
			writeError(w, apperror.KindInvalidArgument, "empty body")
		default:
			writeError(w, apperror.KindInvalidArgument, "invalid body")
		}
		return false
	}
	return true
}

// queryInt возвращает целый параметр query или defaultVal, если параметра нет.
func queryInt(r *http.Request, key string, defaultVal int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperror.InvalidArgument(key + " must be an integer")
	}
	return n, nil
}
