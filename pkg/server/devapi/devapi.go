// Package devapi is a local stand-in for the content API. It checks that the
// signature header matches the addressed item, keeps every body in a blob
// store and answers with a receipt.
package devapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/jacktea/kbtpub/pkg/archive"
	"github.com/jacktea/kbtpub/pkg/blob"
	"github.com/jacktea/kbtpub/pkg/cache"
	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/naming"
	"github.com/jacktea/kbtpub/pkg/server/middleware"
	"github.com/jacktea/kbtpub/pkg/wire"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

// Server receives uploads addressed under wire.ContentPrefix.
type Server struct {
	Store blob.Store
	Log   *slog.Logger
	Opts  Options

	once   sync.Once
	latest *cache.Cache[wire.Receipt]
}

// Options configure auth, rate limiting and body limits.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MaxBodyBytes caps a request body; zero means no cap.
	MaxBodyBytes int64
	LogRequests  bool
	// Receipts bounds how many addresses keep a latest receipt.
	Receipts int
	// ReceiptTTL forgets a receipt that long after it was written; zero
	// keeps it until evicted.
	ReceiptTTL time.Duration
}

type health struct {
	Status   string      `json:"status"`
	Receipts cache.Stats `json:"receipts"`
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("dev receiver listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, health{Status: "ok", Receipts: s.receipts().Stats()})
	})
	mux.HandleFunc(wire.ContentPrefix, s.handleContent)
	return s.applyMiddleware(mux)
}

func (s *Server) receipts() *cache.Cache[wire.Receipt] {
	s.once.Do(func() { s.latest = cache.New[wire.Receipt](s.Opts.Receipts, s.Opts.ReceiptTTL) })
	return s.latest
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimPrefix(r.URL.Path, wire.ContentPrefix)
	if address == "" || strings.Contains(address, "/") {
		http.Error(w, "bad address", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.receive(r.Context(), w, r, address)
	case http.MethodGet:
		rec, err := s.lookup(r.Context(), address)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		s.remove(r.Context(), w, r, address)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) receive(ctx context.Context, w http.ResponseWriter, r *http.Request, address string) {
	if err := verifySignature(r.Header.Get(wire.HeaderSignature), address); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	meta, err := wire.DecodeMetadata(r.Header.Get(wire.HeaderMetadata))
	if err != nil {
		http.Error(w, "invalid "+wire.HeaderMetadata+": "+err.Error(), http.StatusBadRequest)
		return
	}
	if s.Opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Opts.MaxBodyBytes)
	}

	body, archived, err := payloadReader(r)
	if err != nil {
		httpError(w, err)
		return
	}
	id, size, err := s.Store.Put(ctx, body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, err)
		return
	}
	root, err := s.rootOf(ctx, id, archived)
	if err != nil {
		httpError(w, err)
		return
	}

	rec := wire.Receipt{
		Name: wire.ReceiptName(address),
		CID:  root.String(),
		Size: size,
		Blob: string(id),
		Metadata: wire.ReceiptMetadata{
			Metadata: meta,
			Box:      wire.Box{Name: wire.ReceiptName(address)},
		},
	}
	s.receipts().Set(address, rec)
	s.logger().Info("received", "address", address, "human", meta.Human, "as", meta.As, "cid", rec.CID, "size", size)
	writeJSON(w, http.StatusOK, rec)
}

// lookup returns the latest receipt for address while its body is still
// stored. A receipt whose body is gone is dropped.
func (s *Server) lookup(ctx context.Context, address string) (wire.Receipt, error) {
	rec, ok := s.receipts().Get(address)
	if !ok {
		return wire.Receipt{}, xerrors.E(xerrors.KindNotFound, "devapi.get", address)
	}
	found, err := s.Store.Exists(ctx, blob.ID(rec.Blob))
	if err != nil {
		return wire.Receipt{}, xerrors.Wrap(xerrors.KindResource, "devapi.get", address, err)
	}
	if !found {
		s.receipts().Delete(address)
		return wire.Receipt{}, xerrors.E(xerrors.KindNotFound, "devapi.get", address)
	}
	return rec, nil
}

func (s *Server) remove(ctx context.Context, w http.ResponseWriter, r *http.Request, address string) {
	if err := verifySignature(r.Header.Get(wire.HeaderSignature), address); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	rec, err := s.lookup(ctx, address)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := s.Store.Delete(ctx, blob.ID(rec.Blob)); err != nil && !errors.Is(err, os.ErrNotExist) {
		httpError(w, xerrors.Wrap(xerrors.KindResource, "devapi.delete", address, err))
		return
	}
	s.receipts().Delete(address)
	s.logger().Info("removed", "address", address, "blob", rec.Blob)
	w.WriteHeader(http.StatusNoContent)
}

func verifySignature(header, address string) error {
	if header == "" {
		return fmt.Errorf("missing %s", wire.HeaderSignature)
	}
	pub, err := keys.DecodePublicKey(header)
	if err != nil {
		return fmt.Errorf("invalid %s", wire.HeaderSignature)
	}
	derived, err := naming.ContentAddress(pub)
	if err != nil {
		return err
	}
	if derived != address {
		return fmt.Errorf("signature does not match %s", address)
	}
	return nil
}

// payloadReader returns the bytes to store: the data part of a multipart
// form, or the raw body otherwise. archived reports a CAR body.
func payloadReader(r *http.Request) (io.Reader, bool, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.KindInvalid, "devapi.content-type", "", err)
	}
	if mediaType != "multipart/form-data" {
		return r.Body, mediaType == wire.ContentTypeCAR, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.KindInvalid, "devapi.multipart", "", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, false, xerrors.Wrap(xerrors.KindInvalid, "devapi.multipart", wire.FormField,
				fmt.Errorf("no %q part", wire.FormField))
		}
		if err != nil {
			return nil, false, xerrors.Wrap(xerrors.KindInvalid, "devapi.multipart", "", err)
		}
		if part.FormName() == wire.FormField {
			return part, false, nil
		}
	}
}

func (s *Server) rootOf(ctx context.Context, id blob.ID, archived bool) (cid.Cid, error) {
	if !archived {
		return rawCID(id)
	}
	rc, _, err := s.Store.Get(ctx, id)
	if err != nil {
		return cid.Undef, err
	}
	defer rc.Close()
	roots, err := archive.ReadRoots(rc)
	if err == nil && len(roots) == 0 {
		err = errors.New("car has no roots")
	}
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.KindInvalid, "devapi.car", string(id), err)
	}
	return roots[0], nil
}

// rawCID is the CIDv1 raw leaf of a body whose sha256 is id.
func rawCID(id blob.ID) (cid.Cid, error) {
	digest, err := hex.DecodeString(string(id))
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.KindInternal, "devapi.rawCID", string(id), err)
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.KindInternal, "devapi.rawCID", string(id), err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if s.Opts.LogRequests {
		chain = append(chain, middleware.RequestLog(s.logger()))
	}
	chain = append(chain,
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
	return middleware.Wrap(handler, chain...)
}
