package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/did-method-webvh/go-didwebvh"
	"github.com/did-method-webvh/go-didwebvh/resolver"

	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:  "webvhcli",
		Usage: "CLI client tool for did:webvh logs",
	}
	app.Flags = []cli.Flag{
		&cli.DurationFlag{
			Name:    "fetch-timeout",
			Usage:   "timeout for fetching logs from the DID's web origin",
			Value:   resolver.DefaultTimeout,
			Sources: cli.EnvVars("WEBVH_FETCH_TIMEOUT"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a did:webvh DID and print its document",
			ArgsUsage: "<did>",
			Action:    runResolve,
		},
		{
			Name:      "log",
			Usage:     "fetch and validate a DID's log, printing the surviving entries as JSON Lines",
			ArgsUsage: "<did>",
			Action:    runLog,
		},
		{
			Name:      "verify",
			Usage:     "verify a local log file (JSON Lines; '-' for stdin)",
			ArgsUsage: "<log-file>",
			Action:    runVerify,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "witness-file",
					Usage: "witness proof file to verify thresholds against",
				},
			},
		},
		{
			Name:   "create",
			Usage:  "create and sign a genesis log entry, printed as a JSON Lines log",
			Action: runCreate,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "domain",
					Usage:    "web domain the DID will be published under (port encoded as %3A)",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "signing-key",
					Usage:   "private update key (multibase syntax)",
					Sources: cli.EnvVars("WEBVH_SIGNING_KEY"),
				},
				&cli.BoolFlag{
					Name:  "portable",
					Usage: "allow later domain migration",
				},
				&cli.StringSliceFlag{
					Name:  "next-key-hash",
					Usage: "pre-rotation commitment for a future update key (repeatable)",
				},
				&cli.StringSliceFlag{
					Name:  "witness",
					Usage: "witness did:key identifier (repeatable)",
				},
				&cli.IntFlag{
					Name:  "witness-threshold",
					Usage: "witness proofs required per version",
					Value: 1,
				},
			},
		},
		{
			Name:      "update",
			Usage:     "append a signed entry to a log file (JSON Lines; '-' for stdin)",
			ArgsUsage: "<log-file>",
			Action:    runUpdate,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "signing-key",
					Usage:   "private update key (multibase syntax)",
					Sources: cli.EnvVars("WEBVH_SIGNING_KEY"),
				},
				&cli.StringFlag{
					Name:  "document",
					Usage: "file containing the new DID document (defaults to the current one)",
				},
				&cli.StringSliceFlag{
					Name:  "update-key",
					Usage: "replace updateKeys with these multikeys (repeatable)",
				},
				&cli.StringSliceFlag{
					Name:  "next-key-hash",
					Usage: "replace pre-rotation commitments (repeatable)",
				},
			},
		},
		{
			Name:      "deactivate",
			Usage:     "append a terminal deactivation entry to a log file",
			ArgsUsage: "<log-file>",
			Action:    runDeactivate,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "signing-key",
					Usage:   "private update key (multibase syntax)",
					Sources: cli.EnvVars("WEBVH_SIGNING_KEY"),
				},
			},
		},
		{
			Name:      "witness-sign",
			Usage:     "produce a witness attestation for a versionId, printed as JSON",
			ArgsUsage: "<versionId>",
			Action:    runWitnessSign,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "signing-key",
					Usage:   "witness private key (multibase syntax)",
					Sources: cli.EnvVars("WEBVH_WITNESS_KEY"),
				},
			},
		},
		{
			Name:   "keygen",
			Usage:  "generate a fresh private key, printed to stdout as a multibase string",
			Action: runKeyGen,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Usage: "key type; one of 'ed25519', 'P-256', or 'K-256'",
					Value: "ed25519",
				},
			},
		},
		{
			Name:   "derive-pubkey",
			Usage:  "derive a public key and print to stdout in did:key format",
			Action: runDerivePubkey,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "signing-key",
					Usage:   "private key used as input (multibase syntax)",
					Sources: cli.EnvVars("WEBVH_SIGNING_KEY"),
				},
			},
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func loadSigningKey(cmd *cli.Command) (didwebvh.SigningKey, error) {
	privStr := cmd.String("signing-key")
	if privStr == "" {
		return nil, fmt.Errorf("a private signing key is required")
	}
	return didwebvh.ParsePrivateMultikey(privStr)
}

func readLogFile(path string) ([]*didwebvh.LogEntry, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return didwebvh.ParseLog(r)
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did := cmd.Args().First()
	if did == "" {
		return fmt.Errorf("need to provide DID as an argument")
	}

	r := resolver.NewResolver(cmd.Duration("fetch-timeout"), slog.Default())
	res, err := r.Resolve(ctx, did)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(res.Document, &doc); err != nil {
		return err
	}
	jsonBytes, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func runLog(ctx context.Context, cmd *cli.Command) error {
	did := cmd.Args().First()
	if did == "" {
		return fmt.Errorf("need to provide DID as an argument")
	}

	r := resolver.NewResolver(cmd.Duration("fetch-timeout"), slog.Default())
	res, err := r.Resolve(ctx, did)
	if err != nil {
		return err
	}
	return didwebvh.MarshalLog(os.Stdout, res.Entries)
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("need to provide a log file as an argument")
	}

	state := didwebvh.NewDIDWebVHState()
	entries, err := readLogFile(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		state.AddEntry(entry)
	}

	if wf := cmd.String("witness-file"); wf != "" {
		f, err := os.Open(wf)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := state.LoadWitnessProofs(f); err != nil {
			return err
		}
	}

	if err := state.Validate(); err != nil {
		return err
	}
	if len(state.Entries) < len(entries) {
		fmt.Printf("valid up to %s (%d of %d entries survive)\n",
			state.Meta.VersionID, len(state.Entries), len(entries))
		return nil
	}
	fmt.Printf("valid: %s\n", state.Meta.VersionID)
	return nil
}

func runCreate(ctx context.Context, cmd *cli.Command) error {
	key, err := loadSigningKey(cmd)
	if err != nil {
		return err
	}
	multikey := strings.TrimPrefix(key.DIDKey(), "did:key:")

	params := didwebvh.Parameters{
		Method:        didwebvh.MethodVersion,
		SCID:          didwebvh.SCIDPlaceholder,
		UpdateKeys:    []string{multikey},
		NextKeyHashes: cmd.StringSlice("next-key-hash"),
		Portable:      cmd.Bool("portable"),
	}
	if witnesses := cmd.StringSlice("witness"); len(witnesses) > 0 {
		ws := &didwebvh.WitnessSet{Threshold: cmd.Int("witness-threshold")}
		for _, w := range witnesses {
			ws.Witnesses = append(ws.Witnesses, didwebvh.Witness{ID: w})
		}
		params.Witness = ws
	}

	did := "did:webvh:" + didwebvh.SCIDPlaceholder + ":" + cmd.String("domain")
	doc := didwebvh.NewDoc(did, multikey)
	docBytes, err := json.Marshal(&doc)
	if err != nil {
		return err
	}

	entry, err := didwebvh.CreateFirstEntry(time.Now().UTC(), docBytes, params, key)
	if err != nil {
		return err
	}
	return didwebvh.MarshalLog(os.Stdout, []*didwebvh.LogEntry{entry})
}

func runUpdate(ctx context.Context, cmd *cli.Command) error {
	key, err := loadSigningKey(cmd)
	if err != nil {
		return err
	}
	entries, err := readLogFile(cmd.Args().First())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("log is empty")
	}
	prev := entries[len(entries)-1]

	document := prev.State
	if docPath := cmd.String("document"); docPath != "" {
		document, err = os.ReadFile(docPath)
		if err != nil {
			return err
		}
	}

	var diff didwebvh.ParamDiff
	if keys := cmd.StringSlice("update-key"); len(keys) > 0 {
		diff.UpdateKeys = didwebvh.Set(keys)
	}
	if hashes := cmd.StringSlice("next-key-hash"); len(hashes) > 0 {
		diff.NextKeyHashes = didwebvh.Set(hashes)
	}

	entry, err := didwebvh.CreateLogEntry(prev, time.Now().UTC(), document, diff, key)
	if err != nil {
		return err
	}
	return didwebvh.MarshalLog(os.Stdout, append(entries, entry))
}

func runDeactivate(ctx context.Context, cmd *cli.Command) error {
	key, err := loadSigningKey(cmd)
	if err != nil {
		return err
	}
	entries, err := readLogFile(cmd.Args().First())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("log is empty")
	}
	prev := entries[len(entries)-1]

	diff := didwebvh.ParamDiff{
		Deactivated: didwebvh.Set(true),
		UpdateKeys:  didwebvh.Clear[[]string](),
	}
	entry, err := didwebvh.CreateLogEntry(prev, time.Now().UTC(), prev.State, diff, key)
	if err != nil {
		return err
	}
	return didwebvh.MarshalLog(os.Stdout, append(entries, entry))
}

func runWitnessSign(ctx context.Context, cmd *cli.Command) error {
	versionID := cmd.Args().First()
	if versionID == "" {
		return fmt.Errorf("need to provide a versionId as an argument")
	}
	key, err := loadSigningKey(cmd)
	if err != nil {
		return err
	}

	wp, err := didwebvh.SignWitnessProof(versionID, key)
	if err != nil {
		return err
	}
	jsonBytes, err := json.MarshalIndent(&wp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func runKeyGen(ctx context.Context, cmd *cli.Command) error {
	t := cmd.String("type")
	switch t {
	case "ed25519", "Ed25519", "ED25519":
		privkey, err := didwebvh.GenerateEd25519Key()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	case "K-256", "K256", "k256":
		privkey, err := atcrypto.GeneratePrivateKeyK256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	case "P-256", "P256", "p256":
		privkey, err := atcrypto.GeneratePrivateKeyP256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	default:
		return fmt.Errorf("unknown key type: %s", t)
	}
	return nil
}

func runDerivePubkey(ctx context.Context, cmd *cli.Command) error {
	key, err := loadSigningKey(cmd)
	if err != nil {
		return err
	}
	fmt.Println(key.DIDKey())
	return nil
}
