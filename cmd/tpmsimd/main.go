// Command tpmsimd is a minimal software TPM daemon wiring the
// EntityResolver, DAManager, CommandAudit and SessionPipeline components
// together over a real TCP transport, per SPEC_FULL.md §11.5. It supplements
// the distilled specification (which explicitly scopes out command dispatch
// and handler bodies) with just enough of both to drive the pipeline
// end-to-end, reusing tpm.go's RunCommand/HandleWithAuth wire vocabulary as
// this server's mirror image.
package main

import (
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/audit"
	"github.com/addymanzano/libtpms/internal/config"
	"github.com/addymanzano/libtpms/internal/cryptutil"
	"github.com/addymanzano/libtpms/internal/da"
	"github.com/addymanzano/libtpms/internal/dispatch"
	"github.com/addymanzano/libtpms/internal/entity"
	"github.com/addymanzano/libtpms/internal/lifecycle"
	"github.com/addymanzano/libtpms/internal/mu"
	"github.com/addymanzano/libtpms/internal/nvstore"
	"github.com/addymanzano/libtpms/internal/platform"
	"github.com/addymanzano/libtpms/internal/session"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse configuration")
	}

	if cfg.Reset {
		os.Remove(cfg.NVImagePath)
	}

	nv, err := nvstore.Open(cfg.NVImagePath)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open NV image")
	}

	table := dispatch.NewTable()
	d := newDaemon(cfg, nv, table)

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.ListenAddress).Msg("cannot listen")
	}
	log.Info().Str("address", cfg.ListenAddress).Msg("tpmsimd listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		go d.serve(conn)
	}
}

// daemon owns every mutable component the session pipeline touches: the
// object/NV/PCR/session pools, the resolver, the DA manager, the auditor,
// the lifecycle gate and the platform signals. It corresponds to the "Tpm"
// value named in SPEC_FULL.md §9's reorganization notes.
type daemon struct {
	resolver *entity.Resolver
	daMgr    *da.Manager
	auditor  *audit.Audit
	life     *lifecycle.Lifecycle
	plat     *platform.Simulated
	sessions *sessionPool
	table    *dispatch.Table
	pipeline *session.Pipeline

	hierarchyAuth map[tpm2.Handle][]byte
}

func newDaemon(cfg config.Config, nv *nvstore.Store, table *dispatch.Table) *daemon {
	plat := platform.NewSimulated()
	life := lifecycle.New(plat)

	objects := newObjectStore()
	nvIndices := newNVView()
	pcrs := newPCRView()
	sessions := newSessionPool()

	resolver := &entity.Resolver{
		Objects:  objects,
		NV:       nvIndices,
		PCRs:     pcrs,
		Sessions: sessions,
		Flags:    entity.HierarchyFlags{ShEnable: true, EhEnable: true, PhEnable: true},
	}

	d := &daemon{
		resolver:      resolver,
		life:          life,
		plat:          plat,
		sessions:      sessions,
		table:         table,
		hierarchyAuth: map[tpm2.Handle][]byte{},
	}
	resolver.WithHierarchyAuth(d.getHierarchyAuth)

	daState, _ := loadDAState(nv, cfg)
	d.daMgr = da.NewManager(daState, nv)

	d.auditor = audit.New(loadAuditState(nv, cfg, table), newCommandTable(table))

	d.pipeline = &session.Pipeline{
		Resolver: resolver,
		DA:       d.daMgr,
		Auditor:  d.auditor,
		Sessions: sessions,
		Platform: plat,
		Hash:     cryptutil.Digest,
	}

	return d
}

func (d *daemon) getHierarchyAuth(h tpm2.Handle) []byte { return d.hierarchyAuth[h] }

func loadDAState(nv *nvstore.Store, cfg config.Config) (da.State, error) {
	var s da.State
	ok, err := nvstore.Get(nv, "da-state", &s)
	if err != nil {
		return da.State{}, err
	}
	if !ok {
		s = da.State{MaxTries: cfg.MaxDATries, RecoveryTime: cfg.DARecoveryTime, LockOutAuthEnabled: true}
	}
	return s, nil
}

func loadAuditState(nv *nvstore.Store, cfg config.Config, table *dispatch.Table) audit.State {
	var s audit.State
	ok, _ := nvstore.Get(nv, "audit-state", &s)
	if ok {
		return s
	}
	alg := tpm2.HashAlgorithmSHA256
	if cfg.AuditHashAlg == "sha384" {
		alg = tpm2.HashAlgorithmSHA384
	} else if cfg.AuditHashAlg == "sha512" {
		alg = tpm2.HashAlgorithmSHA512
	}
	a := audit.PreInstallInit(newCommandTable(table), alg)
	return a.State
}

// serve reads framed commands off conn until it is closed or a framing
// error occurs. Frame layout (§6, generalized to a length-delimited stream
// since this is a TCP transport rather than a fixed-size device interface):
// 2-byte tag, 4-byte total size (tag+size+code+handles+body), 4-byte
// command code, then the command's fixed handle list, then either a
// 4-byte authSize followed by that many session-area bytes and the
// remaining parameter bytes (TagSessions), or just the parameter bytes
// (TagNoSessions).
func (d *daemon) serve(conn net.Conn) {
	defer conn.Close()
	for {
		if err := d.serveOne(conn); err != nil {
			if err != io.EOF {
				log.Error().Err(err).Msg("command processing failed")
			}
			return
		}
	}
}

func (d *daemon) serveOne(conn net.Conn) error {
	var header [10]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return err
	}
	tag := tpm2.StructTag(binary.BigEndian.Uint16(header[0:2]))
	size := binary.BigEndian.Uint32(header[2:6])
	cc := tpm2.CommandCode(binary.BigEndian.Uint32(header[6:10]))
	if size < 10 {
		return writeError(conn, tag, cc, tpm2.ErrorSize)
	}

	body := make([]byte, size-10)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}

	handleCount, ok := d.table.HandleCount(cc)
	if !ok {
		return writeError(conn, tag, cc, tpm2.ErrorValue)
	}
	if len(body) < handleCount*4 {
		return writeError(conn, tag, cc, tpm2.ErrorSize)
	}
	handles := make([]tpm2.Handle, handleCount)
	for i := 0; i < handleCount; i++ {
		handles[i] = tpm2.Handle(binary.BigEndian.Uint32(body[i*4 : i*4+4]))
	}
	rest := body[handleCount*4:]

	info, _ := d.table.Info(cc, handles)

	var ctx *session.CommandCtx
	var params []byte
	var err error

	switch tag {
	case tpm2.TagSessions:
		if len(rest) < 4 {
			return writeError(conn, tag, cc, tpm2.ErrorSize)
		}
		authSize := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < authSize {
			return writeError(conn, tag, cc, tpm2.ErrorSize)
		}
		sessionArea := rest[:authSize]
		params = rest[authSize:]
		ctx, err = d.pipeline.ParseSessions(info, sessionArea, params)
	case tpm2.TagNoSessions:
		params = rest
		ctx, err = d.pipeline.CheckAuthNoSession(info, params)
	default:
		return writeError(conn, tag, cc, tpm2.ErrorValue)
	}
	if err != nil {
		return writeTPMError(conn, tag, cc, err)
	}

	if !d.life.IsStarted() && cc != tpm2.CommandStartup {
		return writeError(conn, tag, cc, tpm2.ErrorAuthContext)
	}

	handler, ok := d.table.Handler(cc)
	if !ok {
		return writeError(conn, tag, cc, tpm2.ErrorValue)
	}
	rspParams, herr := handler(&dispatch.Request{
		Code:             cc,
		Handles:          handles,
		Params:           params,
		Resolver:         d.resolver,
		DA:               d.daMgr,
		Auditor:          d.auditor,
		Lifecycle:        d.life,
		SetHierarchyAuth: d.setHierarchyAuth,
	})
	if herr != nil {
		return writeTPMError(conn, tag, cc, herr)
	}

	if tag == tpm2.TagSessions {
		rpHash := func(alg tpm2.HashAlgorithmId) []byte {
			var ccb [4]byte
			binary.BigEndian.PutUint32(ccb[:], uint32(cc))
			return cryptutil.Digest(alg, []byte{0, 0, 0, 0}, ccb[:], rspParams)
		}
		if err := d.pipeline.BuildResponseSessions(ctx, rspParams, rpHash); err != nil {
			return writeTPMError(conn, tag, cc, err)
		}
	}

	return writeResponse(conn, tag, cc, rspParams, ctx)
}

func (d *daemon) setHierarchyAuth(h tpm2.Handle, auth []byte) {
	d.hierarchyAuth[h] = auth
}

func writeResponse(conn net.Conn, tag tpm2.StructTag, cc tpm2.CommandCode, params []byte, ctx *session.CommandCtx) error {
	var sessionArea []byte
	if tag == tpm2.TagSessions && ctx != nil {
		sessionArea = marshalResponseSessions(ctx)
	}

	total := 10 + len(params) + len(sessionArea)
	var header [10]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(tag))
	binary.BigEndian.PutUint32(header[2:6], uint32(total))
	binary.BigEndian.PutUint32(header[6:10], 0) // SUCCESS

	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	if _, err := conn.Write(params); err != nil {
		return err
	}
	_, err := conn.Write(sessionArea)
	return err
}

// marshalResponseSessions encodes the response authorization area: for each
// session in command order, its new nonceTPM (2-byte length prefix), its
// 1-byte attributes and its response HMAC (2-byte length prefix, empty for
// a PW session), as filled in by BuildResponseSessions.
func marshalResponseSessions(ctx *session.CommandCtx) []byte {
	var out []byte
	for _, e := range ctx.Sessions {
		b, err := mu.MarshalToBytes(e.NewNonceTPM, uint8(e.Attrs), e.ResponseHMAC)
		if err != nil {
			return nil
		}
		out = append(out, b...)
	}
	return out
}

func writeTPMError(conn net.Conn, tag tpm2.StructTag, cc tpm2.CommandCode, err error) error {
	code := tpm2.ErrorValue
	if te, ok := err.(*tpm2.TPMError); ok {
		code = te.Code
	}
	return writeError(conn, tag, cc, code)
}

func writeError(conn net.Conn, tag tpm2.StructTag, cc tpm2.CommandCode, code tpm2.ErrorCode) error {
	var header [10]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(tag))
	binary.BigEndian.PutUint32(header[2:6], 10)
	binary.BigEndian.PutUint32(header[6:10], uint32(code)+uint32(0x100))
	_, err := conn.Write(header[:])
	return err
}
