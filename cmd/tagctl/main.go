// Package main provides tagctl, an operator CLI that runs the anchoring and
// minting operations directly against the configured stores and chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tag-anchor/internal/app"
	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/types"
)

const usage = `usage: tagctl <command> [flags]

commands:
  create-batch -size N [-name NAME] [-material M] [-color C] [-model M]
  register     -tag CODE [-uri URI]
  attach       -tag CODE [-recipient ADDR] [-animal ID] [-ranch ID] [-uri URI]
  retry        -tag CODE [-recipient ADDR] [-animal ID] [-ranch ID] [-uri URI]
  reconcile    -tag CODE | -batch ID
  verify       -tag CODE [-onchain] | -batch ID
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	os.Exit(execute(run, args))
}

// execute runs one command and returns the process exit code
func execute(run command, args []string) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	app.InitLogging(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	result, err := run(ctx, a, args)
	return report(result, err)
}

type command func(ctx context.Context, a *app.App, args []string) (interface{}, error)

var commands = map[string]command{
	"create-batch": createBatch,
	"register":     register,
	"attach":       attach(false),
	"retry":        attach(true),
	"reconcile":    reconcile,
	"verify":       verify,
}

func createBatch(ctx context.Context, a *app.App, args []string) (interface{}, error) {
	fs := flag.NewFlagSet("create-batch", flag.ExitOnError)
	req := &service.CreateBatchRequest{}
	fs.IntVar(&req.Size, "size", 0, "number of tags in the batch")
	fs.StringVar(&req.Name, "name", "", "batch name")
	fs.StringVar(&req.Material, "material", "", "tag material")
	fs.StringVar(&req.Color, "color", "", "tag color")
	fs.StringVar(&req.Model, "model", "", "tag model")
	_ = fs.Parse(args)

	res, err := a.Anchor.CreateBatch(ctx, req)
	return nilIfEmpty(res), err
}

func register(ctx context.Context, a *app.App, args []string) (interface{}, error) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	var uri string
	req := &service.RegisterLegacyRequest{}
	fs.StringVar(&req.TagCode, "tag", "", "legacy tag code")
	fs.StringVar(&uri, "uri", "", "metadata uri used as the token uri")
	_ = fs.Parse(args)

	if uri != "" {
		req.MetadataURI = &uri
	}
	tag, err := a.Anchor.RegisterLegacyTag(ctx, req)
	return nilIfEmpty(tag), err
}

func attach(retry bool) command {
	return func(ctx context.Context, a *app.App, args []string) (interface{}, error) {
		name := "attach"
		if retry {
			name = "retry"
		}
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		var animal, ranch string
		req := &service.AttachRequest{}
		fs.StringVar(&req.TagCode, "tag", "", "tag code")
		fs.StringVar(&req.Recipient, "recipient", "", "token recipient, defaults to the signer")
		fs.StringVar(&animal, "animal", "", "animal id")
		fs.StringVar(&ranch, "ranch", "", "ranch id")
		fs.StringVar(&req.TokenURI, "uri", "", "token uri")
		_ = fs.Parse(args)

		if req.TagCode == "" {
			return nil, errors.NewInvalidParameterError("tag", "is required")
		}
		if animal != "" {
			req.AnimalID = &animal
		}
		if ranch != "" {
			req.RanchID = &ranch
		}

		var res *service.AttachResult
		var err error
		if retry {
			res, err = a.Mint.Retry(ctx, req)
		} else {
			res, err = a.Mint.Attach(ctx, req)
		}
		return nilIfEmpty(res), err
	}
}

func reconcile(ctx context.Context, a *app.App, args []string) (interface{}, error) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	tag := fs.String("tag", "", "tag code")
	batch := fs.String("batch", "", "batch id")
	_ = fs.Parse(args)

	switch {
	case *tag != "" && *batch == "":
		res, err := a.Reconcile.Reconcile(ctx, *tag)
		return nilIfEmpty(res), err
	case *batch != "" && *tag == "":
		res, err := a.Anchor.ReconcileBatch(ctx, *batch)
		return nilIfEmpty(res), err
	default:
		return nil, errors.NewInvalidParameterError("tag|batch", "exactly one is required")
	}
}

func verify(ctx context.Context, a *app.App, args []string) (interface{}, error) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	tag := fs.String("tag", "", "tag code")
	batch := fs.String("batch", "", "batch id")
	onChain := fs.Bool("onchain", false, "also ask the contract to verify the proof")
	_ = fs.Parse(args)

	switch {
	case *tag != "" && *batch == "":
		res, err := a.TagSvc.VerifyProof(ctx, *tag, *onChain)
		return nilIfEmpty(res), err
	case *batch != "" && *tag == "":
		res, err := a.Anchor.VerifyBatchAnchor(ctx, *batch)
		return nilIfEmpty(res), err
	default:
		return nil, errors.NewInvalidParameterError("tag|batch", "exactly one is required")
	}
}

// report prints the result and error as JSON and returns the exit code:
// 0 success, 1 failed, 3 pending.
func report(result interface{}, err error) int {
	out := map[string]interface{}{"outcome": errors.Outcome(err)}
	if result != nil {
		out["result"] = result
	}
	if err != nil {
		out["error"] = errors.Categorize(err).ToServiceError()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		log.Printf("Failed to encode result: %v", encErr)
	}

	switch errors.Outcome(err) {
	case types.OutcomeSuccess:
		return 0
	case types.OutcomePending:
		return 3
	default:
		return 1
	}
}

func nilIfEmpty[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return p
}
