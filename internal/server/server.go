// Package server exposes passive authentication over HTTP: clients that
// already hold a document's files (read elsewhere, e.g. on a phone) submit
// them for verification against the service's trust anchors.
package server

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
)

type Server struct {
	roots *x509.CertPool
	log   *logrus.Logger
}

func NewServer(roots *x509.CertPool, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Server{roots: roots, log: log}
}

// VerifyRequest carries one document's files, base64 standard encoding.
// Options is decoded into VerifyOptions.
type VerifyRequest struct {
	SOD     string                 `json:"sod"`
	Files   map[string]string      `json:"files"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// VerifyOptions tune the verifier per request.
type VerifyOptions struct {
	SkipChain     bool   `mapstructure:"skip_chain"`
	AllowSelfCert bool   `mapstructure:"allow_self_cert"`
	CurrentTime   string `mapstructure:"current_time"`
}

type VerifyResponse struct {
	Authentic       bool              `json:"authentic"`
	DigestAlgorithm string            `json:"digest_algorithm,omitempty"`
	Files           map[string]string `json:"files,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// VerifyDocument handles POST /verifyDocument.
func (s *Server) VerifyDocument(w http.ResponseWriter, r *http.Request) {
	req := VerifyRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	var opts VerifyOptions
	if req.Options != nil {
		if err := mapstructure.Decode(req.Options, &opts); err != nil {
			jsonErrorResponse(w, fmt.Errorf("failed to decode options: %v", err), http.StatusBadRequest)
			return
		}
	}

	sod, err := base64.StdEncoding.DecodeString(req.SOD)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to decode sod: %v", err), http.StatusBadRequest)
		return
	}
	files := make(map[int][]byte, len(req.Files))
	for key, value := range req.Files {
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > 16 {
			jsonErrorResponse(w, fmt.Errorf("invalid data group number %q", key), http.StatusBadRequest)
			return
		}
		content, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			jsonErrorResponse(w, fmt.Errorf("failed to decode data group %d: %v", n, err), http.StatusBadRequest)
			return
		}
		files[n] = content
	}

	so, err := mrtd.ParseSecurityObject(sod)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse security object: %v", err), http.StatusBadRequest)
		return
	}

	report, verr := s.verifier(opts).Verify(so, files)

	resp := VerifyResponse{
		Authentic:       report.Authentic(),
		DigestAlgorithm: so.DigestAlgorithm,
		Files:           make(map[string]string, len(report.Files)),
	}
	for n, outcome := range report.Files {
		resp.Files[strconv.Itoa(n)] = outcome.String()
	}
	if verr != nil {
		resp.Reason = verr.Error()
	}

	s.log.WithFields(logrus.Fields{
		"authentic": resp.Authentic,
		"files":     len(files),
	}).Info("document verified")
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) verifier(opts VerifyOptions) *mrtd.Verifier {
	var vopts []mrtd.VerifierOption
	if opts.SkipChain {
		vopts = append(vopts, mrtd.SkipVerifyCertificate())
	}
	if opts.AllowSelfCert {
		vopts = append(vopts, mrtd.AllowSelfCert())
	}
	if opts.CurrentTime != "" {
		if at, err := time.Parse(time.RFC3339, opts.CurrentTime); err == nil {
			vopts = append(vopts, mrtd.WithCertCurrentTime(at))
		}
	}
	return mrtd.NewVerifier(s.roots, vopts...)
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("No request given")
	}

	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

func jsonErrorResponse(w http.ResponseWriter, e error, c int) {
	var resp VerifyResponse
	resp.Error = e.Error()
	dj, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}
