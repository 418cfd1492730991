package main

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/juncaffe/android-epassport-reader-sub001/internal/server"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/pki"
)

func main() {
	log := logrus.New()
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	trustDir := os.Getenv("CSCA_TRUST_DIR")
	if trustDir == "" {
		trustDir = "csca"
	}
	roots, err := pki.RootsFromDirectory(trustDir)
	if err != nil {
		log.WithError(err).Fatal("failed to load trust anchors")
	}

	srv := server.NewServer(roots, log)

	r := mux.NewRouter()
	r.Use(handlers.CORS(
		handlers.AllowedMethods([]string{"POST", "GET"}),
		handlers.AllowedHeaders([]string{"content-type"}),
		handlers.AllowedOrigins([]string{"*"}),
	))

	r.HandleFunc("/verifyDocument", srv.VerifyDocument).Methods("POST", "OPTIONS")
	r.HandleFunc("/healthz", srv.Healthz).Methods("GET")

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.WithField("addr", addr).Info("starting passive authentication server")
	log.Fatal(http.ListenAndServe(addr, r))
}
