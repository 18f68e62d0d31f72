// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	stdErrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/engine/executor/syncwork"
	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/membership"
	"github.com/syncflow/syncwork/engine/pkg/promutil"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/zap"
)

const (
	// apiOpVarContract is the key of contract id in HTTP API.
	apiOpVarContract = "contract"
	// apiOpVarItemID is the key of work item id in HTTP API.
	apiOpVarItemID = "id"
	// apiOpVarWait makes a submission wait for the result.
	apiOpVarWait = "wait"
	// apiOpVarTimeout bounds how long a submission waits.
	apiOpVarTimeout = "timeout"

	defaultWaitTimeout = 5 * time.Second
	maxRequestBodySize = 1 << 20
)

// HTTPError is the body of a failed API call.
type HTTPError struct {
	Error string `json:"error_msg"`
	Code  string `json:"error_code"`
}

// NewHTTPError wraps an err into HTTPError
func NewHTTPError(err error) HTTPError {
	code, _ := errors.RFCCode(err)
	return HTTPError{
		Error: err.Error(),
		Code:  string(code),
	}
}

// SubmitWorkResponse is returned when a work item is accepted.
type SubmitWorkResponse struct {
	ID string `json:"id"`
}

// WorkStatus is the status of a work item.
type WorkStatus struct {
	ID     string     `json:"id"`
	State  string     `json:"state"`
	Result any        `json:"result,omitempty"`
	Error  *HTTPError `json:"error,omitempty"`
}

// Concurrency describes the concurrency quota.
type Concurrency struct {
	Limit   int   `json:"limit"`
	InUse   int64 `json:"in_use"`
	Waiting int64 `json:"waiting"`
}

// SetConcurrencyRequest changes the concurrency limit.
type SetConcurrencyRequest struct {
	Limit *int `json:"limit"`
}

// ExecutorStatus is the body of the status API.
type ExecutorStatus struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	ClusterID   string                  `json:"cluster_id"`
	ServiceID   string                  `json:"service_id"`
	Addr        string                  `json:"addr"`
	Ready       bool                    `json:"ready"`
	StartTime   time.Time               `json:"start_time"`
	Concurrency Concurrency             `json:"concurrency"`
	Queued      int64                   `json:"queued"`
	Running     int64                   `json:"running"`
	Tracked     int                     `json:"tracked"`
	Contracts   []registry.ContractID   `json:"contracts"`
	Members     []membership.MemberInfo `json:"members,omitempty"`
}

// OpenAPI provides API for the executor.
type OpenAPI struct {
	server *Server
}

// NewOpenAPI creates a new OpenAPI.
func NewOpenAPI(server *Server) *OpenAPI {
	return &OpenAPI{server: server}
}

func newRouter(api *OpenAPI, logHTTP bool) *gin.Engine {
	// discard gin default log output
	gin.DefaultWriter = io.Discard

	router := gin.New()
	router.Use(gin.Recovery())
	if logHTTP {
		router.Use(logMiddleware())
	}
	router.Use(errorHandleMiddleware())

	router.GET("/healthz", api.Health)
	router.GET("/metrics", gin.WrapH(promutil.HTTPHandlerForMetric()))
	RegisterOpenAPIRoutes(router, api)
	return router
}

// RegisterOpenAPIRoutes registers routes for OpenAPI.
func RegisterOpenAPIRoutes(router *gin.Engine, api *OpenAPI) {
	v1 := router.Group("/api/v1")
	v1.Use(api.readyMiddleware())

	v1.GET("/status", api.GetStatus)
	v1.GET("/contracts", api.ListContracts)

	workGroup := v1.Group("/work")
	workGroup.POST("/:"+apiOpVarContract, api.SubmitWork)
	workGroup.GET("/:"+apiOpVarItemID, api.QueryWork)
	workGroup.DELETE("/:"+apiOpVarItemID, api.AbandonWork)

	concurrencyGroup := v1.Group("/concurrency")
	concurrencyGroup.GET("", api.GetConcurrency)
	concurrencyGroup.PUT("", api.SetConcurrency)
}

func (o *OpenAPI) readyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !o.server.Ready() {
			_ = c.Error(errors.ErrExecutorNotReady.GenWithStackByArgs())
			c.Abort()
			return
		}
		c.Next()
	}
}

// Health reports whether the executor is ready.
// @Summary Health check
// @Description returns 200 once the executor serves work
// @Tags common
// @Produce json
// @Success 200
// @Failure 503
// @Router /healthz [get]
func (o *OpenAPI) Health(c *gin.Context) {
	if !o.server.Ready() {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}

// SubmitWork submits a new work item.
// @Summary Submit work
// @Description queues the JSON body as the request of a contract
// @Tags work
// @Accept json
// @Produce json
// @Param contract path string true "contract id"
// @Param wait query bool false "wait for the result"
// @Param timeout query string false "how long to wait, 5s by default"
// @Success 200 {object} WorkStatus
// @Success 202 {object} SubmitWorkResponse
// @Failure 400,404,413,500,503 {object} HTTPError
// @Router /api/v1/work/{contract} [post]
func (o *OpenAPI) SubmitWork(c *gin.Context) {
	contract := registry.ContractID(c.Param(apiOpVarContract))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if stdErrors.As(err, &maxErr) {
			_ = c.Error(errors.ErrRequestTooLarge.GenWithStackByArgs(maxErr.Limit))
			return
		}
		_ = c.Error(errors.WrapError(errors.ErrInvalidArgument, err, "request body"))
		return
	}

	handle, err := syncwork.SubmitRaw(o.server.dispatcher, contract, payload)
	if err != nil {
		_ = c.Error(err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query(apiOpVarWait))
	if !wait {
		c.JSON(http.StatusAccepted, SubmitWorkResponse{ID: handle.ID()})
		return
	}

	timeout := defaultWaitTimeout
	if s := c.Query(apiOpVarTimeout); s != "" {
		if timeout, err = time.ParseDuration(s); err != nil {
			_ = c.Error(errors.WrapError(errors.ErrInvalidArgument, err, "timeout "+s))
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		// Still pending, the caller can poll with the ID.
		c.JSON(http.StatusAccepted, SubmitWorkResponse{ID: handle.ID()})
		return
	case <-handle.Done():
	}
	// A worker error, context errors included, is part of the result.
	st := handle.Poll()
	if !st.State.IsTerminal() {
		// Woken up by a dispatcher shutdown before admission.
		_ = c.Error(st.Err)
		return
	}
	c.JSON(http.StatusOK, newWorkStatus(handle.ID(), st))
}

// QueryWork queries the status of a work item.
// @Summary Query work
// @Description returns the state of a work item, and its result once finished.
// @Description A finished item can be queried only once.
// @Tags work
// @Produce json
// @Param id path string true "work item id"
// @Success 200 {object} WorkStatus
// @Failure 404,503 {object} HTTPError
// @Router /api/v1/work/{id} [get]
func (o *OpenAPI) QueryWork(c *gin.Context) {
	id := c.Param(apiOpVarItemID)
	st, err := o.server.dispatcher.Poll(id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newWorkStatus(id, st))
}

// AbandonWork abandons a work item.
// @Summary Abandon work
// @Description drops interest in a work item. Queued items never run.
// @Tags work
// @Param id path string true "work item id"
// @Success 204
// @Failure 404,503 {object} HTTPError
// @Router /api/v1/work/{id} [delete]
func (o *OpenAPI) AbandonWork(c *gin.Context) {
	if err := o.server.dispatcher.Abandon(c.Param(apiOpVarItemID)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListContracts lists the bound contracts.
// @Summary List contracts
// @Tags contracts
// @Produce json
// @Success 200 {array} string
// @Router /api/v1/contracts [get]
func (o *OpenAPI) ListContracts(c *gin.Context) {
	c.JSON(http.StatusOK, o.server.registry.Contracts())
}

// GetConcurrency returns the concurrency quota.
// @Summary Get concurrency
// @Tags concurrency
// @Produce json
// @Success 200 {object} Concurrency
// @Router /api/v1/concurrency [get]
func (o *OpenAPI) GetConcurrency(c *gin.Context) {
	c.JSON(http.StatusOK, o.concurrency())
}

// SetConcurrency raises or lowers the concurrency limit. Lowering waits
// until enough running work has finished.
// @Summary Set concurrency
// @Tags concurrency
// @Accept json
// @Produce json
// @Param limit body SetConcurrencyRequest true "new limit"
// @Success 200 {object} Concurrency
// @Failure 400,500 {object} HTTPError
// @Router /api/v1/concurrency [put]
func (o *OpenAPI) SetConcurrency(c *gin.Context) {
	var req SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.WrapError(errors.ErrInvalidArgument, err, "request body"))
		return
	}
	if req.Limit == nil {
		_ = c.Error(errors.ErrInvalidArgument.GenWithStackByArgs("limit is required"))
		return
	}
	if err := o.server.quota.SetLimit(c.Request.Context(), *req.Limit); err != nil {
		_ = c.Error(err)
		return
	}
	log.Info("concurrency limit changed", zap.Int("limit", *req.Limit))
	c.JSON(http.StatusOK, o.concurrency())
}

// GetStatus returns the status of the executor.
// @Summary Executor status
// @Tags common
// @Produce json
// @Success 200 {object} ExecutorStatus
// @Router /api/v1/status [get]
func (o *OpenAPI) GetStatus(c *gin.Context) {
	s := o.server
	status := ExecutorStatus{
		ID:          s.info.ID,
		Name:        s.cfg.Name,
		ClusterID:   s.cfg.ClusterID,
		ServiceID:   s.cfg.ServiceID,
		Addr:        s.cfg.AdvertiseAddr,
		Ready:       s.Ready(),
		StartTime:   s.startTime,
		Concurrency: o.concurrency(),
		Queued:      s.dispatcher.Queued(),
		Running:     s.dispatcher.Running(),
		Tracked:     s.dispatcher.Tracked(),
		Contracts:   s.registry.Contracts(),
	}
	members, err := s.provider.Members(c.Request.Context())
	if err != nil {
		log.Warn("failed to list cluster members", zap.Error(err))
	} else {
		status.Members = members
	}
	c.JSON(http.StatusOK, status)
}

func (o *OpenAPI) concurrency() Concurrency {
	q := o.server.quota
	return Concurrency{
		Limit:   q.Limit(),
		InUse:   q.InUse(),
		Waiting: q.Waiting(),
	}
}

func newWorkStatus(id string, st syncwork.Status[any]) WorkStatus {
	ret := WorkStatus{
		ID:     id,
		State:  st.State.String(),
		Result: st.Result,
	}
	if st.Err != nil {
		httpErr := NewHTTPError(st.Err)
		ret.Error = &httpErr
	}
	return ret
}

// httpStatusOf maps a normalized error to the HTTP status returned for it.
func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrWorkItemNotFound),
		errors.Is(err, errors.ErrUnboundContract):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidArgument),
		errors.Is(err, errors.ErrInvalidRequest),
		errors.Is(err, errors.ErrDecodeRequest),
		errors.Is(err, errors.ErrInvalidConcurrencyLimit):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errors.ErrExecutorNotReady),
		errors.Is(err, errors.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandleMiddleware puts the error into response
func errorHandleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		// because we will return immediately after an error occurs in http_handler
		// there wil be only one error in c.Errors
		lastError := c.Errors.Last()
		if lastError != nil {
			err := lastError.Err
			c.IndentedJSON(httpStatusOf(err), NewHTTPError(err))
			c.Abort()
		}
	}
}

func logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		c.Next()

		var stdErr error
		if err := c.Errors.Last(); err != nil {
			stdErr = err.Err
		}
		log.Info("executor open api request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.Error(stdErr),
			zap.Duration("duration", time.Since(start)))
	}
}
