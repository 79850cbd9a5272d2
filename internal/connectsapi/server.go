package connectsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hiregrid/connects/pkg/connects"
)

// Run boots the HTTP surface and blocks until the context is canceled or
// the listener fails.
func Run(ctx context.Context, cfg Config, service *connects.Service, dir connects.AccountDirectory, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	router := NewRouter(cfg, service, dir, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("connects api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all ledger routes. Identity is
// verified upstream; handlers trust the account id in the path.
func NewRouter(cfg Config, service *connects.Service, dir connects.AccountDirectory, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:    logger,
		service:   service,
		directory: dir,
		cfg:       cfg,
	}

	accounts := router.Group("/accounts/:account_id")
	accounts.POST("/transactions", handler.handleApplyTransaction)
	accounts.GET("/balance", handler.handleGetBalance)
	accounts.GET("/transactions", handler.handleListTransactions)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	service   *connects.Service
	directory connects.AccountDirectory
	cfg       Config
}

type transactionRequest struct {
	Type           string         `json:"type"`
	Quantity       int64          `json:"quantity"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleApplyTransaction(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	var request transactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transactionType, err := connects.ParseTransactionType(request.Type)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "type must be buy, add, or use"))
		return
	}
	quantity, err := connects.NewQuantity(request.Quantity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_quantity", "quantity must be a positive integer"))
		return
	}
	var idempotencyKey connects.IdempotencyKey
	if request.IdempotencyKey != "" {
		idempotencyKey, err = connects.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", "idempotency key must be non-blank"))
			return
		}
	}
	metadata, err := connects.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	exists, err := handler.directory.AccountExists(requestCtx, accountID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	if !exists {
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no such account"))
		return
	}

	result, err := handler.service.Apply(requestCtx, accountID, transactionType, quantity, idempotencyKey, metadata)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"new_balance":    result.NewBalance,
		"transaction_id": result.Transaction.TransactionID.String(),
	})
}

func (handler *httpHandler) handleGetBalance(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	record, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": record.Balance})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	limit := 0
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	page, err := handler.service.History(requestCtx, accountID, ctx.Query("cursor"), limit)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}

	records := make([]transactionPayload, 0, len(page.Transactions))
	for _, transaction := range page.Transactions {
		records = append(records, transactionPayload{
			TransactionID:    transaction.TransactionID.String(),
			AccountID:        transaction.AccountID.String(),
			Type:             transaction.Type.String(),
			Quantity:         transaction.Quantity.Int64(),
			SignedDelta:      transaction.SignedDelta,
			AmountCharged:    transaction.AmountCharged.Int64(),
			ResultingBalance: transaction.ResultingBalance,
			Metadata:         json.RawMessage(transaction.Metadata.String()),
			CreatedUnixUTC:   transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"records":     records,
		"next_cursor": page.NextCursor,
	})
}

func (handler *httpHandler) bindAccountID(ctx *gin.Context) (connects.AccountID, bool) {
	accountID, err := connects.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id must be non-blank"))
		return connects.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	var partialFailure *connects.PartialFailureError
	switch {
	case errors.Is(err, connects.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no such account"))
	case errors.Is(err, connects.ErrInsufficientConnects):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_connects", "balance too low for this use"))
	case errors.Is(err, connects.ErrContention):
		ctx.JSON(http.StatusConflict, errorResponse("contention", "concurrent updates, retry the request"))
	case errors.Is(err, connects.ErrDuplicateTransaction):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_request", "idempotency key already used"))
	case errors.Is(err, connects.ErrInvalidCursor):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "cursor token is not valid"))
	case errors.Is(err, connects.ErrStorageUnavailable):
		handler.logger.Error("storage unavailable", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("storage_unavailable", "retryable storage failure"))
	case errors.As(err, &partialFailure):
		handler.logger.Error("partial failure, reconciliation required",
			zap.String("account_id", partialFailure.AccountID.String()),
			zap.Int64("new_balance", partialFailure.NewBalance),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("partial_failure", "balance committed but record append failed"))
	default:
		handler.logger.Error("ledger error", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected ledger failure"))
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type transactionPayload struct {
	TransactionID    string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Type             string          `json:"type"`
	Quantity         int64           `json:"quantity"`
	SignedDelta      int64           `json:"signed_delta"`
	AmountCharged    int64           `json:"amount_charged"`
	ResultingBalance int64           `json:"resulting_balance"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedUnixUTC   int64           `json:"timestamp"`
}
