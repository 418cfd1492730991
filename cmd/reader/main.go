package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/ebfe/scard"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/juncaffe/android-epassport-reader-sub001/document"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/mrz"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/pki"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/scratch"
	"github.com/juncaffe/android-epassport-reader-sub001/reader"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

func main() {
	app := &cli.Command{
		Name:  "epassport-reader",
		Usage: "Read and verify an ICAO 9303 travel document through a PC/SC reader",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "document",
				Usage: "document number from the MRZ (9 characters)",
			},
			&cli.StringFlag{
				Name:  "birth",
				Usage: "date of birth from the MRZ (YYMMDD)",
			},
			&cli.StringFlag{
				Name:  "expiry",
				Usage: "date of expiry from the MRZ (YYMMDD)",
			},
			&cli.StringFlag{
				Name:  "can",
				Usage: "card access number printed on the document (uses PACE)",
			},
			&cli.BoolFlag{
				Name:  "pace",
				Usage: "use PACE instead of BAC for MRZ-keyed access",
			},
			&cli.StringFlag{
				Name:  "trust-dir",
				Usage: "directory of CSCA trust anchor PEM files",
				Value: "csca",
			},
			&cli.StringFlag{
				Name:  "reader",
				Usage: "PC/SC reader index or name substring (default: first reader)",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "READ BINARY chunk size in bytes",
				Value: reader.DefaultChunkSize,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "per-chunk retransmissions after a transport timeout",
				Value: reader.DefaultTimeoutRetries,
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "write the encoded result to this file",
			},
			&cli.BoolFlag{
				Name:  "skip-chain",
				Usage: "skip document signer chain validation (testing only)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug logging and a full dump of the result",
			},
		},
		Action: runRead,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runRead(ctx context.Context, cmd *cli.Command) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cmd.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}

	roots, err := pki.RootsFromDirectory(cmd.String("trust-dir"))
	if err != nil {
		return fmt.Errorf("failed to load trust anchors: %w", err)
	}

	creds, wipe, err := credentials(cmd)
	if err != nil {
		return err
	}
	defer wipe()

	opts := []reader.EngineOption{
		reader.WithLogger(log),
		reader.WithChunkSize(int(cmd.Int("chunk-size"))),
		reader.WithTimeoutRetries(int(cmd.Int("retries"))),
		reader.WithStateListener(func(s reader.State) {
			fmt.Fprintf(os.Stderr, "[%s]\n", s.Phase)
		}),
		reader.WithProgressListener(func(p reader.Progress) {
			fmt.Fprintf(os.Stderr, "\r%-8s %3.0f%%", p.File.Name, p.OverallFraction*100)
			if p.OverallFraction >= 1 {
				fmt.Fprintln(os.Stderr)
			}
		}),
	}
	if cmd.Bool("pace") {
		opts = append(opts, reader.PreferPACE())
	}
	if cmd.Bool("skip-chain") {
		log.Warn("chain validation disabled")
		opts = append(opts, reader.WithVerifierOptions(mrtd.SkipVerifyCertificate()))
	}
	engine := reader.NewEngine(roots, opts...)

	result, err := readDocument(ctx, engine, cmd.String("reader"), creds, log)
	if result != nil {
		report(result, cmd.Bool("verbose"))
		if out := cmd.String("output"); out != "" {
			encoded, encErr := result.Encode()
			if encErr != nil {
				return fmt.Errorf("failed to encode result: %w", encErr)
			}
			if writeErr := os.WriteFile(out, encoded, 0o600); writeErr != nil {
				return writeErr
			}
			log.WithField("path", out).Info("result written")
		}
	}
	return err
}

// readDocument drives one run against the first document presented to the
// chosen reader. SIGINT cancels the wait and the run.
func readDocument(ctx context.Context, engine *reader.Engine, readerName string, creds reader.Credentials, log *logrus.Logger) (*document.Result, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	defer sctx.Release()

	readers, err := sctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	name, err := pickReader(readers, readerName)
	if err != nil {
		return nil, err
	}
	log.WithField("reader", name).Info("waiting for a document")

	if err := waitForCard(ctx, sctx, name); err != nil {
		return nil, err
	}
	card, err := sctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to card: %w", err)
	}
	defer card.Disconnect(scard.LeaveCard)

	events := make(chan reader.TagEvent, 4)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watchTag(watchCtx, sctx, name, events, log)

	return engine.RunOnTag(ctx, events, &pcscTransport{card: card}, creds)
}

// credentials assembles the access key from flags, prompting on stdin for
// any MRZ field left unset. The returned cleanup wipes the key material.
func credentials(cmd *cli.Command) (reader.Credentials, func(), error) {
	if can := cmd.String("can"); can != "" {
		return reader.Credentials{CAN: can}, func() {}, nil
	}

	doc := cmd.String("document")
	birth := cmd.String("birth")
	expiry := cmd.String("expiry")
	in := bufio.NewReader(os.Stdin)
	var err error
	if doc == "" {
		if doc, err = promptField(in, "document number", 9); err != nil {
			return reader.Credentials{}, nil, err
		}
	}
	if birth == "" {
		if birth, err = promptField(in, "date of birth (YYMMDD)", 6); err != nil {
			return reader.Credentials{}, nil, err
		}
	}
	if expiry == "" {
		if expiry, err = promptField(in, "date of expiry (YYMMDD)", 6); err != nil {
			return reader.Credentials{}, nil, err
		}
	}

	key, err := mrz.NewKey(doc, birth, expiry)
	if err != nil {
		return reader.Credentials{}, nil, err
	}
	content, err := key.KeyContent()
	if err != nil {
		return reader.Credentials{}, nil, err
	}
	return reader.Credentials{MRZKey: content}, func() { secmsg.Zeroize(content) }, nil
}

// promptField reads one line into a fixed-size wipeable buffer and returns
// its contents. Backspace removes the last character.
func promptField(in *bufio.Reader, label string, max int) (string, error) {
	buf := scratch.New(max)
	defer buf.Wipe()
	fmt.Fprintf(os.Stderr, "%s: ", label)
	for {
		c, err := in.ReadByte()
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", label, err)
		}
		switch c {
		case '\n':
			return string(buf.Bytes()), nil
		case '\r':
		case 0x08, 0x7F:
			buf.Backspace()
		default:
			if !buf.Append(c) {
				return "", fmt.Errorf("%s longer than %d characters", label, max)
			}
		}
	}
}

func report(result *document.Result, verbose bool) {
	fmt.Printf("authentic: %v\n", result.Authentic)
	fmt.Printf("trust:     %s\n", result.Trust)
	for _, f := range result.Files {
		fmt.Printf("  %-8s %4d bytes  %s\n", f.Name, len(f.Content), f.Outcome)
	}
	if td3, err := result.MRZOf(); err == nil {
		fmt.Printf("holder:    %s, %s (%s)\n", td3.PrimaryName, strings.Join(td3.SecondaryNames, " "), td3.Nationality)
		fmt.Printf("document:  %s, expires %s\n", td3.DocumentNumber, td3.ExpiryDate)
	}
	if verbose {
		spew.Fdump(os.Stderr, result)
	}
}
