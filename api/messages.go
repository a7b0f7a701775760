package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/services"
)

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type decodingError struct {
	status int
	msg    string
}

func (br *decodingError) Error() string {
	return br.msg
}

type IssueCredentialRequest struct {
	IdempotencyKey string                    `json:"idempotencyKey"`
	HolderName     string                    `json:"holderName"`
	HolderAddress  string                    `json:"holderAddress"`
	DateOfBirth    string                    `json:"dateOfBirth"`
	GraduationDate string                    `json:"graduationDate"`
	Score          float64                   `json:"score"`
	Grade          string                    `json:"grade"`
	DegreeType     string                    `json:"degreeType"`
	DegreeNumber   string                    `json:"degreeNumber"`
	Attributes     []models.DisplayAttribute `json:"attributes"`
}

type DecisionRequest struct {
	Decision string `json:"decision"`
}

type SubmitKYCRequest struct {
	OrgName            string   `json:"orgName"`
	RegistrationNumber string   `json:"registrationNumber"`
	Email              string   `json:"email"`
	Representative     string   `json:"representative"`
	WalletAddress      string   `json:"walletAddress"`
	DocumentRefs       []string `json:"documentRefs"`
}

type KYCDecisionResponse struct {
	Application *models.KYCApplication `json:"application"`
	Notified    bool                   `json:"notified"`
}

func readJSONRequest(w http.ResponseWriter, r *http.Request, req interface{}) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		const msg = "Content-Type is not application/json"
		return &decodingError{status: http.StatusUnsupportedMediaType, msg: msg}
	}

	// Limit the size of the request body to 64 KB
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err = dec.Decode(&req)
	if err != nil || dec.Decode(&struct{}{}) != io.EOF {
		const msg = "invalid or multiple JSON objects in request body"
		return &decodingError{status: http.StatusBadRequest, msg: msg}
	}

	return nil
}

func writeJSONResponse(w http.ResponseWriter, code int, data interface{}, msg string) error {
	resp, merr := json.Marshal(response{Success: msg == "", Data: data, Message: msg})
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, e := w.Write(resp)
	return e
}

func writeJSONError(w http.ResponseWriter, err error) error {
	var de *decodingError
	switch {
	case errors.As(err, &de):
		return writeJSONResponse(w, de.status, nil, de.msg)
	case errors.Is(err, &services.ValidationError{}),
		errors.Is(err, &services.MalformedQueryError{}):
		return writeJSONResponse(w, http.StatusBadRequest, nil, err.Error())
	case errors.Is(err, &services.AuthorizationError{}):
		return writeJSONResponse(w, http.StatusForbidden, nil, err.Error())
	case errors.Is(err, &services.NotFoundError{}):
		return writeJSONResponse(w, http.StatusNotFound, nil, err.Error())
	case errors.Is(err, &services.DuplicateError{}),
		errors.Is(err, &services.InvalidTransitionError{}),
		errors.Is(err, &ledger.RejectedError{}):
		return writeJSONResponse(w, http.StatusConflict, nil, err.Error())
	default:
		return writeJSONResponse(w, http.StatusInternalServerError, nil, "internal server error")
	}
}
