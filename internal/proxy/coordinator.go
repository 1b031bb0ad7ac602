// Package proxy wires the request pipeline: session gate, context
// enrichment, policy decision, upstream forwarding, constraint and
// obligation enforcement, and the audit write. Both transports hand every
// JSON-RPC message to the Coordinator and emit whatever it returns.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/enforce"
	"github.com/aegisproxy/aegis/internal/enrich"
	"github.com/aegisproxy/aegis/internal/jsonrpc"
	"github.com/aegisproxy/aegis/internal/mcp"
	"github.com/aegisproxy/aegis/internal/policy"
	"github.com/aegisproxy/aegis/internal/session"
	"github.com/aegisproxy/aegis/internal/upstream"
)

// ProtocolVersion is the protocol revision the proxy negotiates.
const ProtocolVersion = "2024-11-05"

// Version is stamped into initialize responses and the health surface.
// Overridden at link time by the release build.
var Version = "dev"

// Coordinator owns the shared state of the proxy and implements the
// per-request pipeline. Handle is safe for concurrent use.
type Coordinator struct {
	sessions   *session.Manager
	enrichers  *enrich.Pipeline
	engine     *policy.Engine
	enforcer   *enforce.Enforcer
	supervisor *upstream.Supervisor
	auditLog   *audit.Log
	logger     *slog.Logger
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	sessions *session.Manager,
	enrichers *enrich.Pipeline,
	engine *policy.Engine,
	enforcer *enforce.Enforcer,
	supervisor *upstream.Supervisor,
	auditLog *audit.Log,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions:   sessions,
		enrichers:  enrichers,
		engine:     engine,
		enforcer:   enforcer,
		supervisor: supervisor,
		auditLog:   auditLog,
		logger:     logger.With("component", "proxy.Coordinator"),
	}
}

// Sessions exposes the session table to the transports.
func (c *Coordinator) Sessions() *session.Manager { return c.sessions }

// Engine exposes the policy engine for the admin surface.
func (c *Coordinator) Engine() *policy.Engine { return c.engine }

// Audit exposes the audit log for the query surface and the live feed.
func (c *Coordinator) Audit() *audit.Log { return c.auditLog }

// UpstreamStatus reports the fleet state for the health surface.
func (c *Coordinator) UpstreamStatus() map[string]string {
	return c.supervisor.Status()
}

// Close shuts down the owned background workers.
func (c *Coordinator) Close() {
	c.supervisor.Close()
	c.sessions.Close()
	if err := c.auditLog.Close(); err != nil {
		c.logger.Error("audit log close failed", "error", err)
	}
}

// Handle processes one inbound message and returns the response, or nil for
// notifications. The pipeline order is fixed: initialize gate, enrich,
// decide, forward, constraints, obligations, audit. Every request is
// audited, including the handshake and requests rejected by the gate; the
// audit line for a permitted request is durable before the response is
// returned.
func (c *Coordinator) Handle(ctx context.Context, sess *session.Session, msg *jsonrpc.Message) *jsonrpc.Message {
	if msg.IsNotification() {
		// Notifications bypass policy: they carry no verbs the engine
		// models and expect no response. Forwarded best-effort.
		if _, err := c.supervisor.Forward(ctx, msg.Method, msg.Params); err != nil {
			c.logger.Debug("notification forward failed", "method", msg.Method, "error", err)
		}
		return nil
	}
	if !msg.IsRequest() {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidRequest, "expected a request")
	}

	start := time.Now()

	if msg.Method == mcp.MethodInitialize {
		resp := c.handleInitialize(sess, msg)
		d := decision.Decision{Effect: decision.Permit, Reason: "initialize handshake", Confidence: 1}
		outcome, errMsg := audit.OutcomeSuccess, ""
		if resp.Error != nil {
			d.Effect = decision.Deny
			outcome, errMsg = audit.OutcomeFailure, resp.Error.Message
		}
		c.audit(sess, msg, c.contextFor(sess, msg), d, start, outcome, errMsg)
		return resp
	}
	if !c.sessions.IsInitialized(sess.ID) {
		const reason = "initialize must complete before other requests"
		d := decision.Decision{Effect: decision.Deny, Reason: reason, Confidence: 1, RiskLevel: decision.RiskLow}
		c.audit(sess, msg, c.contextFor(sess, msg), d, start, audit.OutcomeFailure, reason)
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidRequest, reason)
	}

	dctx := c.contextFor(sess, msg)
	dctx = c.enrichers.Run(ctx, dctx)

	d := c.engine.Decide(ctx, dctx, nil)

	if d.Effect != decision.Permit {
		c.audit(sess, msg, dctx, d, start, audit.OutcomeFailure, "")
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodePolicyDenied,
			fmt.Sprintf("request denied: %s", d.Reason))
	}

	result, rpcErr := c.forward(ctx, msg)
	if rpcErr != nil {
		c.audit(sess, msg, dctx, d, start, audit.OutcomeError, rpcErr.Message)
		return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: rpcErr}
	}

	result, rpcErr = c.applyConstraints(ctx, d, result, dctx)
	if rpcErr != nil {
		c.audit(sess, msg, dctx, d, start, audit.OutcomeFailure, rpcErr.Message)
		return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: rpcErr}
	}

	c.enforcer.RunObligations(ctx, d, dctx)
	c.audit(sess, msg, dctx, d, start, audit.OutcomeSuccess, "")

	return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
}

// handleInitialize answers the handshake locally; upstream servers run
// their own handshakes when spawned.
func (c *Coordinator) handleInitialize(sess *session.Session, msg *jsonrpc.Message) *jsonrpc.Message {
	var params mcp.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "malformed initialize params")
		}
	}
	c.sessions.MarkInitialized(sess.ID)

	resp, err := jsonrpc.NewResponse(msg.ID, mcp.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      mcp.Implementation{Name: "aegis", Version: Version},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInternalError, err.Error())
	}
	c.logger.Info("session initialized",
		"session_id", sess.ID,
		"client", params.ClientInfo.Name,
	)
	return resp
}

// contextFor classifies the request into the engine's context shape. Tool
// calls become resource "tool:<name>" with the arguments riding along in
// the environment for the evaluators.
func (c *Coordinator) contextFor(sess *session.Session, msg *jsonrpc.Message) *decision.Context {
	dctx := &decision.Context{
		Agent:       sess.AgentID,
		AgentType:   sess.AgentType,
		Time:        time.Now(),
		Environment: map[string]any{},
	}
	if dctx.Agent == "" {
		dctx.Agent = "anonymous"
	}
	if len(sess.Metadata) > 0 {
		dctx.Environment["agentMetadata"] = string(sess.Metadata)
	}

	switch msg.Method {
	case mcp.MethodToolsList, mcp.MethodResourcesList, mcp.MethodPromptsList:
		dctx.Action = decision.ActionList
		dctx.Resource = msg.Method
	case mcp.MethodToolsCall:
		dctx.Action = decision.ActionExecute
		var params mcp.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			dctx.Resource = "tool:" + params.Name
			var args any
			if len(params.Arguments) > 0 && json.Unmarshal(params.Arguments, &args) == nil {
				dctx.Environment["arguments"] = args
			}
		} else {
			dctx.Resource = "tool:unknown"
		}
	case mcp.MethodResourcesRead:
		dctx.Action = decision.ActionRead
		var params mcp.ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			dctx.Resource = params.URI
		}
	case mcp.MethodPromptsGet:
		dctx.Action = decision.ActionRead
		dctx.Resource = msg.Method
	default:
		dctx.Action = decision.ActionExecute
		dctx.Resource = msg.Method
	}
	return dctx
}

// forward dispatches a permitted request to the upstream fleet.
func (c *Coordinator) forward(ctx context.Context, msg *jsonrpc.Message) (json.RawMessage, *jsonrpc.Error) {
	switch msg.Method {
	case mcp.MethodToolsList:
		result, err := c.supervisor.ListTools(ctx)
		if err != nil {
			return nil, upstreamError(err)
		}
		return mustMarshal(result), nil
	case mcp.MethodResourcesList:
		result, err := c.supervisor.ListResources(ctx)
		if err != nil {
			return nil, upstreamError(err)
		}
		return mustMarshal(result), nil
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "malformed tools/call params"}
		}
		raw, err := c.supervisor.CallTool(ctx, params)
		if err != nil {
			return nil, upstreamError(err)
		}
		return raw, nil
	case mcp.MethodResourcesRead:
		var params mcp.ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "malformed resources/read params"}
		}
		raw, err := c.supervisor.ReadResource(ctx, params)
		if err != nil {
			return nil, upstreamError(err)
		}
		return raw, nil
	default:
		raw, err := c.supervisor.Forward(ctx, msg.Method, msg.Params)
		if err != nil {
			return nil, upstreamError(err)
		}
		return raw, nil
	}
}

// applyConstraints decodes the result, runs the decision's constraints over
// it in order, and re-encodes. Rate-limit and geo failures map to their
// distinct error codes.
func (c *Coordinator) applyConstraints(ctx context.Context, d decision.Decision, result json.RawMessage, dctx *decision.Context) (json.RawMessage, *jsonrpc.Error) {
	if len(d.Constraints) == 0 {
		return result, nil
	}

	var data any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &data); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "upstream result is not valid JSON"}
		}
	}

	data, err := c.enforcer.ApplyConstraints(ctx, d, data, dctx)
	if err != nil {
		switch {
		case errors.Is(err, enforce.ErrRateLimited):
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeRateLimited, Message: err.Error()}
		case errors.Is(err, enforce.ErrGeoRestricted):
			return nil, &jsonrpc.Error{Code: jsonrpc.CodePolicyDenied, Message: err.Error()}
		default:
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
		}
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "re-encode constrained result"}
	}
	return out, nil
}

// audit writes the request's entry. A failed audit write on a permitted
// request is a serious condition; it is logged at error and the entry lost,
// but the response still reflects the decision already made.
func (c *Coordinator) audit(sess *session.Session, msg *jsonrpc.Message, dctx *decision.Context, d decision.Decision, start time.Time, outcome audit.Outcome, errMsg string) {
	policyUsed, _ := d.Metadata["policyId"].(string)
	entry := audit.Entry{
		Timestamp:    time.Now().UTC(),
		Context:      dctx,
		Decision:     d,
		PolicyUsed:   policyUsed,
		ProcessingMs: time.Since(start).Milliseconds(),
		Outcome:      outcome,
		Request: audit.RequestMeta{
			SessionID: sess.ID,
			Method:    msg.Method,
			Error:     errMsg,
		},
	}
	if err := c.auditLog.Append(entry); err != nil {
		c.logger.Error("audit append failed", "method", msg.Method, "error", err)
	}
}

// upstreamError maps supervisor failures onto the wire error space.
func upstreamError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, upstream.ErrTimeout):
		return &jsonrpc.Error{Code: jsonrpc.CodeUpstreamTimeout, Message: err.Error()}
	case errors.Is(err, upstream.ErrUnavailable):
		return &jsonrpc.Error{Code: jsonrpc.CodeUpstreamDown, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &jsonrpc.Error{Code: jsonrpc.CodeUpstreamTimeout, Message: "request deadline exceeded"}
	default:
		return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Aggregate results are built from decoded JSON; this cannot fail.
		panic(err)
	}
	return b
}
