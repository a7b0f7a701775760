package api

import (
	"net/http"
	"strconv"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/services"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ContentStore is the slice of the external content-storage API the router
// needs. Metadata must be pinned before any ledger write happens.
type ContentStore interface {
	StoreMetadata(v interface{}) (string, error)
}

type apiRouter struct {
	svc    *services.Service
	store  ContentStore
	logger *zap.Logger
}

// principalFrom reads the acting identity forwarded by the session provider.
// The engine trusts these headers for authorization and audit attribution.
func principalFrom(r *http.Request) models.Principal {
	return models.Principal{
		Email: r.Header.Get("X-Acting-Principal"),
		Role:  models.Role(r.Header.Get("X-Acting-Role")),
	}
}

func (ar *apiRouter) IssueCredential(w http.ResponseWriter, r *http.Request) error {
	var req IssueCredentialRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}

	holder, err := util.NormalizeAddress(req.HolderAddress)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid holder address"})
	}

	// Pin the descriptive metadata first; a storage failure aborts the
	// issuance before anything reaches the ledger.
	contentRef, err := ar.store.StoreMetadata(req)
	if err != nil {
		ar.logger.Error("Content storage upload failed", zap.Error(err))
		return writeJSONResponse(w, http.StatusInternalServerError, nil, "content storage unavailable")
	}

	draft := &models.CredentialDraft{
		HolderName:     req.HolderName,
		HolderAddress:  holder,
		DateOfBirth:    req.DateOfBirth,
		GraduationDate: req.GraduationDate,
		Score:          req.Score,
		Grade:          req.Grade,
		DegreeType:     req.DegreeType,
		DegreeNumber:   req.DegreeNumber,
		ContentRef:     contentRef,
		Attributes:     req.Attributes,
	}

	cred, err := ar.svc.IssueCredential(r.Context(), principalFrom(r), req.IdempotencyKey, draft)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusCreated, cred, "")
}

func (ar *apiRouter) GetCredential(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid credential id"})
	}

	cred, err := ar.svc.GetCredential(r.Context(), id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, cred, "")
}

func (ar *apiRouter) ListCredentials(w http.ResponseWriter, r *http.Request) error {
	var status *models.Status
	if label := r.URL.Query().Get("status"); label != "" {
		var parsed models.Status
		switch label {
		case "pending":
			parsed = ledger.StatusPending
		case "approved":
			parsed = ledger.StatusApproved
		case "rejected":
			parsed = ledger.StatusRejected
		default:
			return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid status filter"})
		}
		status = &parsed
	}

	creds, err := ar.svc.ListCredentials(r.Context(), r.URL.Query().Get("issuer"), status)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, creds, "")
}

func (ar *apiRouter) DecideCredential(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid credential id"})
	}

	var req DecisionRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	decision, err := models.ParseDecision(req.Decision)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	cred, err := ar.svc.DecideCredential(r.Context(), principalFrom(r), id, decision)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, cred, "")
}

func (ar *apiRouter) ListAudit(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid credential id"})
	}

	entries, err := ar.svc.ListAuditLog(r.Context(), id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, entries, "")
}

func (ar *apiRouter) SubmitKYC(w http.ResponseWriter, r *http.Request) error {
	var req SubmitKYCRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}

	wallet, err := util.NormalizeAddress(req.WalletAddress)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid wallet address"})
	}

	app, err := ar.svc.SubmitKYC(r.Context(), &models.KYCApplication{
		OrgName:            req.OrgName,
		RegistrationNumber: req.RegistrationNumber,
		Email:              req.Email,
		Representative:     req.Representative,
		WalletAddress:      wallet,
		DocumentRefs:       req.DocumentRefs,
	})
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusCreated, app, "")
}

func (ar *apiRouter) ListPendingKYC(w http.ResponseWriter, r *http.Request) error {
	apps, err := ar.svc.ListPendingKYC(r.Context())
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, apps, "")
}

func (ar *apiRouter) DecideKYC(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid application id"})
	}

	var req DecisionRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	decision, err := models.ParseDecision(req.Decision)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	app, notified, err := ar.svc.DecideKYC(r.Context(), principalFrom(r), id, decision == ledger.StatusApproved)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, KYCDecisionResponse{Application: app, Notified: notified}, "")
}

func (ar *apiRouter) ListIssuers(w http.ResponseWriter, r *http.Request) error {
	issuers, err := ar.svc.ListIssuers(r.Context())
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, issuers, "")
}

func (ar *apiRouter) GetIssuer(w http.ResponseWriter, r *http.Request) error {
	address, err := util.NormalizeAddress(mux.Vars(r)["address"])
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid issuer address"})
	}

	issuer, err := ar.svc.GetIssuer(r.Context(), address)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, issuer, "")
}

func (ar *apiRouter) Verify(w http.ResponseWriter, r *http.Request) error {
	result, err := ar.svc.ResolveTerm(r.Context(), mux.Vars(r)["term"])
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, result, "")
}

// Wrapper to log unhandled errors.
// Note that this wrapper is only for last resort errors. For example, caused
// by error handling functions not being able to write a response to the
// client.
func (ar *apiRouter) wrapHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			ar.logger.Error("Error handling request", zap.Error(err))
		}
	}
}

func NewAPIRouter(path string, svc *services.Service, store ContentStore, origins []string, logger *zap.Logger) *mux.Router {
	// Create router.
	ah := &apiRouter{
		svc,
		store,
		logger,
	}
	r := mux.NewRouter()
	sr := r.PathPrefix(path).Subrouter()

	// Register handlers.
	sr.HandleFunc("/credentials", ah.wrapHandler(ah.IssueCredential)).Methods("POST")
	sr.HandleFunc("/credentials", ah.wrapHandler(ah.ListCredentials)).Methods("GET")
	sr.HandleFunc("/credentials/{id:[0-9]+}", ah.wrapHandler(ah.GetCredential)).Methods("GET")
	sr.HandleFunc("/credentials/{id:[0-9]+}/decision", ah.wrapHandler(ah.DecideCredential)).Methods("POST")
	sr.HandleFunc("/credentials/{id:[0-9]+}/audit", ah.wrapHandler(ah.ListAudit)).Methods("GET")
	sr.HandleFunc("/kyc", ah.wrapHandler(ah.SubmitKYC)).Methods("POST")
	sr.HandleFunc("/kyc", ah.wrapHandler(ah.ListPendingKYC)).Methods("GET")
	sr.HandleFunc("/kyc/{id:[0-9]+}/decision", ah.wrapHandler(ah.DecideKYC)).Methods("POST")
	sr.HandleFunc("/issuers", ah.wrapHandler(ah.ListIssuers)).Methods("GET")
	sr.HandleFunc("/issuers/{address}", ah.wrapHandler(ah.GetIssuer)).Methods("GET")
	sr.HandleFunc("/verify/{term}", ah.wrapHandler(ah.Verify)).Methods("GET")

	// CORS support.
	allowedMethods := []string{"GET", "POST", "OPTIONS"}
	ch := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   allowedMethods,
		ExposedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		Debug:            logger.Level() == zap.DebugLevel,
	})
	sr.Use(ch.Handler)

	return r
}
