package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "naikit/internal/errors"
	"naikit/internal/privacy"
	"naikit/pkg/imagesize"
	"naikit/pkg/media"
	"naikit/pkg/novelai"

	"github.com/sirupsen/logrus"
)

// headerFlag collects repeated -header "Name: value" flags
type headerFlag map[string]string

func (h headerFlag) String() string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, ", ")
}

func (h headerFlag) Set(value string) error {
	name, v, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header must look like \"Name: value\", got %q", value)
	}
	h[strings.TrimSpace(name)] = strings.TrimSpace(v)
	return nil
}

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.logger.Out)
	return fs
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) credentials(email, password string) (string, string, error) {
	email = firstNonEmpty(email, a.cfg.NovelAI.Email)
	password = firstNonEmpty(password, a.cfg.NovelAI.Password)
	if email != "" && password == "" && a.readPassword != nil {
		typed, ok, err := a.readPassword("Password for " + email + ": ")
		if err != nil {
			return "", "", apperrors.NewInvalidInputError("password", err.Error())
		}
		if ok {
			password = typed
		}
	}
	if email == "" || password == "" {
		return "", "", apperrors.NewInvalidInputError("credentials",
			"email and password are required (flags or NOVELAI_EMAIL / NOVELAI_PASSWORD)")
	}
	return email, password, nil
}

func (a *app) requestContext(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// deadlineError reports err as a timeout when ctx ran out of time
func deadlineError(ctx context.Context, operation string, seconds int, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(operation, time.Duration(seconds)*time.Second, err)
	}
	return err
}

func (a *app) runKeys(ctx context.Context, args []string) error {
	fs := a.newFlagSet("keys")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (prefer NOVELAI_PASSWORD)")
	kind := fs.String("kind", "both", "Which key to derive: access, encryption or both")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	user, pass, err := a.credentials(*email, *password)
	if err != nil {
		return err
	}

	out := map[string]string{}
	switch *kind {
	case "access", "both":
		key, err := a.deriver.DeriveAccessKey(ctx, user, pass)
		if err != nil {
			return err
		}
		out["access_key"] = key
		if *kind == "access" {
			break
		}
		fallthrough
	case "encryption":
		key, err := a.deriver.DeriveEncryptionKey(ctx, user, pass)
		if err != nil {
			return err
		}
		out["encryption_key"] = key
	default:
		return apperrors.NewInvalidInputError("kind", fmt.Sprintf("unknown key kind %q", *kind))
	}

	a.logger.WithFields(logrus.Fields(privacy.MaskSensitiveFields(map[string]interface{}{
		"email": user,
		"kind":  *kind,
	}))).Info("Keys derived")
	return a.printJSON(out)
}

func (a *app) runLogin(ctx context.Context, args []string) error {
	fs := a.newFlagSet("login")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (prefer NOVELAI_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	user, pass, err := a.credentials(*email, *password)
	if err != nil {
		return err
	}

	ctx, cancel := a.requestContext(ctx, a.cfg.Transport.TimeoutSec)
	defer cancel()

	session, err := a.client.Login(ctx, user, pass)
	if err != nil {
		return deadlineError(ctx, "login", a.cfg.Transport.TimeoutSec, err)
	}
	return a.printJSON(session)
}

func (a *app) runFit(args []string) error {
	fs := a.newFlagSet("fit")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return apperrors.NewInvalidInputError("size", "fit takes exactly one WIDTHxHEIGHT argument")
	}

	requested, err := imagesize.ParseSize(fs.Arg(0))
	if err != nil {
		return err
	}

	fitted, strategy := imagesize.FitWithStrategy(requested)
	a.metrics.RecordFit(string(strategy))
	return a.printJSON(map[string]interface{}{
		"requested": requested,
		"fitted":    fitted,
		"strategy":  strategy,
	})
}

func (a *app) runDownload(ctx context.Context, args []string) error {
	fs := a.newFlagSet("download")
	source := fs.String("source", "", "Data URI or http(s) URL")
	out := fs.String("out", "", "Output file (.png or .jpg); defaults to download<ext>")
	headers := headerFlag{}
	fs.Var(headers, "header", "Request header \"Name: value\" (repeatable)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *source == "" {
		return apperrors.NewInvalidInputError("source", "-source is required")
	}

	ctx, cancel := a.requestContext(ctx, a.cfg.Transport.TimeoutSec)
	defer cancel()

	data, err := a.downloader.Download(ctx, *source, headers)
	if err != nil {
		return deadlineError(ctx, "download", a.cfg.Transport.TimeoutSec, err)
	}

	path := firstNonEmpty(*out, "download"+media.ExtensionFor(data))
	if err := media.WriteFile(path, data); err != nil {
		return apperrors.NewMediaError("write", path, err)
	}

	a.logger.WithFields(logrus.Fields{
		"source": privacy.MaskSource(*source),
		"bytes":  len(data),
		"path":   path,
	}).Info("Download saved")
	return a.printJSON(map[string]interface{}{"path": path, "bytes": len(data)})
}

func (a *app) runGenerate(ctx context.Context, args []string) error {
	fs := a.newFlagSet("generate")
	prompt := fs.String("prompt", "", "Prompt text")
	negative := fs.String("negative", "", "Negative prompt")
	size := fs.String("size", "", "Requested WIDTHxHEIGHT; fitted before sending")
	source := fs.String("source", "", "Source image (data URI or URL) for img2img")
	strength := fs.Float64("strength", 0, "img2img strength")
	noise := fs.Float64("noise", 0, "img2img noise")
	seed := fs.Uint("seed", 0, "Seed; 0 picks one at random")
	steps := fs.Int("steps", 0, "Sampling steps")
	model := fs.String("model", "", "Model name")
	outDir := fs.String("out-dir", ".", "Directory for generated images")
	token := fs.String("token", "", "Access token (prefer NOVELAI_TOKEN); logs in when empty")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	params := novelai.GenerateParams{
		Prompt:         *prompt,
		NegativePrompt: *negative,
		Model:          *model,
		SourceImage:    *source,
		Strength:       *strength,
		Noise:          *noise,
		Seed:           uint32(*seed),
		Steps:          *steps,
	}
	if *size != "" {
		requested, err := imagesize.ParseSize(*size)
		if err != nil {
			return err
		}
		params.Size = requested
	}

	session, err := a.session(ctx, *token)
	if err != nil {
		return err
	}

	ctx, cancel := a.requestContext(ctx, a.cfg.Transport.GenerateTimeoutSec)
	defer cancel()

	images, err := a.client.Generate(ctx, session, params)
	if err != nil {
		return deadlineError(ctx, "generate", a.cfg.Transport.GenerateTimeoutSec, err)
	}

	paths := make([]string, 0, len(images))
	for i, img := range images {
		name := img.Name
		if filepath.Ext(name) == "" {
			name = fmt.Sprintf("image_%d%s", i, media.ExtensionFor(img.Data))
		}
		path := filepath.Join(*outDir, name)
		if err := media.WriteFile(path, img.Data); err != nil {
			return apperrors.NewMediaError("write", path, err)
		}
		paths = append(paths, path)
	}
	return a.printJSON(map[string]interface{}{"images": paths})
}

func (a *app) session(ctx context.Context, token string) (*novelai.Session, error) {
	if token = firstNonEmpty(token, a.cfg.NovelAI.AccessToken); token != "" {
		return &novelai.Session{AccessToken: token}, nil
	}

	user, pass, err := a.credentials("", "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.requestContext(ctx, a.cfg.Transport.TimeoutSec)
	defer cancel()
	session, err := a.client.Login(ctx, user, pass)
	if err != nil {
		return nil, deadlineError(ctx, "login", a.cfg.Transport.TimeoutSec, err)
	}
	return session, nil
}
