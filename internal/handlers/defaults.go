package handlers

import (
	"github.com/danmuck/edgelink/internal/jobs"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// InstallDefaults registers the handlers every session needs. Callers
// may override any of them afterwards.
func InstallDefaults(r *Registry) {
	for _, t := range protocol.ReplyTypes() {
		r.RegisterFunc(t, CompleteJob)
	}
	r.RegisterFunc(protocol.MsgSubProtocolRecv, CompleteSubJob)
	r.RegisterFunc(protocol.MsgLogonResponse, handleLogonResponse)
	r.RegisterFunc(protocol.MsgLoggedOff, handleLoggedOff)
	r.RegisterFunc(protocol.MsgServerList, handleServerList)
	r.RegisterFunc(protocol.MsgAuthArtifact, handleAuthArtifact)
	r.RegisterFunc(protocol.MsgCatalogChanges, handleCatalogChanges)
	r.RegisterFunc(protocol.MsgEntitlements, handleEntitlements)
	r.SetUnhandled(func(ctx Context, msg protocol.Message) { ctx.Notify(msg) })
}

// CompleteJob resolves the primary-space job a reply targets. A non-OK
// result fails the job with a protocol.ResultError.
func CompleteJob(ctx Context, msg protocol.Message) {
	id := msg.Header.TargetJob
	if id == protocol.NoJob {
		ctx.Notify(msg)
		return
	}
	if r := msg.Header.Result; r != protocol.ResultOK && r != protocol.ResultInvalid {
		ctx.Jobs().Fail(jobs.SpacePrimary, id, protocol.ResultError{Result: r, Op: msg.Type.String()})
		return
	}
	ctx.Jobs().Complete(jobs.SpacePrimary, id, msg)
}

// CompleteSubJob resolves a sub-protocol job; untargeted sub-protocol
// messages are notifications.
func CompleteSubJob(ctx Context, msg protocol.Message) {
	if msg.Header.SubTargetJob == protocol.NoJob {
		ctx.Notify(msg)
		return
	}
	ctx.Jobs().Complete(jobs.SpaceSub, msg.Header.SubTargetJob, msg)
}

func handleLogonResponse(ctx Context, msg protocol.Message) {
	var resp protocol.LogonResponse
	if err := msg.DecodeBody(&resp); err != nil {
		log.Warn().Err(err).Msg("handlers.logonResponse decode failed")
		resp.Result = protocol.ResultFail
	}
	ctx.Session().OnLogonResponse(msg, resp)
}

func handleLoggedOff(ctx Context, msg protocol.Message) {
	var body protocol.LoggedOff
	if err := msg.DecodeBody(&body); err != nil {
		body.Result = msg.Header.Result
	}
	ctx.Session().OnLoggedOff(body.Result)
}

func handleServerList(ctx Context, msg protocol.Message) {
	var body protocol.ServerList
	if err := msg.DecodeBody(&body); err != nil {
		log.Warn().Err(err).Msg("handlers.serverList decode failed")
		return
	}
	ctx.Session().OnServerList(body.Endpoints)
}

func handleAuthArtifact(ctx Context, msg protocol.Message) {
	var body protocol.AuthArtifact
	if err := msg.DecodeBody(&body); err != nil {
		log.Warn().Err(err).Msg("handlers.authArtifact decode failed")
		return
	}
	ctx.Session().OnAuthArtifact(body.Blob)
}

func handleCatalogChanges(ctx Context, msg protocol.Message) {
	var body protocol.CatalogChanges
	if err := msg.DecodeBody(&body); err != nil {
		log.Warn().Err(err).Msg("handlers.catalogChanges decode failed")
		return
	}
	ctx.Catalog().OnChangeNotification(body.Counter, body.Changes)
}

func handleEntitlements(ctx Context, msg protocol.Message) {
	var body protocol.Entitlements
	if err := msg.DecodeBody(&body); err != nil {
		log.Warn().Err(err).Msg("handlers.entitlements decode failed")
		return
	}
	ctx.Catalog().OnEntitlements(body)
}
