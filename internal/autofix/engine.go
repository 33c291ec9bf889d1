// Package autofix repairs a failed configuration: the MCP sidecar is asked
// first, then the language model, and credentials are restored afterwards.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/llm"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/sidecar"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

const (
	TierSidecar = "sidecar"
	TierModel   = "model"
)

var ErrNoFix = errors.New("no fix produced")

type SidecarFixer interface {
	FixConfiguration(ctx context.Context, code, errText string) (string, error)
}

type DocResolver interface {
	Resolve(ctx context.Context, provider, resourceType string) (*sidecar.Documentation, error)
}

// AuditLog receives one record per tier tried.
type AuditLog interface {
	AppendFixAttempt(a workspace.FixAttempt) error
}

type Request struct {
	DeploymentID string
	Attempt      int
	Config       string
	Stage        string
	Stderr       string
	KeyPair      credentials.KeyPair
	CloudHint    string
	Audit        AuditLog
}

type Result struct {
	Config   string
	Tier     string
	Provider string
	Restored bool
	// DocReference names the documentation used to ground the model, if any.
	DocReference string
}

type Engine struct {
	injector *credentials.Injector
	sidecar  SidecarFixer
	model    llm.Client
	docs     DocResolver
	observe  func(tier, result string)
}

type Option func(*Engine)

func WithSidecar(s SidecarFixer) Option { return func(e *Engine) { e.sidecar = s } }

func WithModel(c llm.Client) Option { return func(e *Engine) { e.model = c } }

func WithResolver(r DocResolver) Option { return func(e *Engine) { e.docs = r } }

func WithObserver(fn func(tier, result string)) Option { return func(e *Engine) { e.observe = fn } }

func New(injector *credentials.Injector, opts ...Option) *Engine {
	e := &Engine{injector: injector, observe: func(string, string) {}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Fix returns a repaired configuration or ErrNoFix.
func (e *Engine) Fix(ctx context.Context, req Request) (*Result, error) {
	log := logger.ForDeployment(req.DeploymentID).With(zap.String("stage", req.Stage), zap.Int("attempt", req.Attempt))
	excerpt := ExtractErrors(req.Stderr)

	kp := req.KeyPair
	if kp.Empty() {
		if ex, err := e.injector.Extract(req.Config); err == nil {
			kp = ex.KeyPair
		}
	}

	if e.sidecar != nil {
		fixed, err := e.sidecar.FixConfiguration(ctx, req.Config, req.Stderr)
		switch {
		case err != nil:
			outcome := "error"
			if errors.Is(err, sidecar.ErrUnavailable) {
				outcome = "unavailable"
			}
			log.Warn("sidecar repair failed", zap.String("tier", TierSidecar), zap.Error(err))
			e.record(req, TierSidecar, excerpt, outcome, err.Error(), false)
		case strings.TrimSpace(fixed) == "":
			e.record(req, TierSidecar, excerpt, "empty", "", false)
		default:
			if res, ok := e.verify(req, kp, fixed, TierSidecar, excerpt, log); ok {
				return res, nil
			}
		}
	}

	if e.model == nil {
		e.record(req, TierModel, excerpt, "skipped", "no model configured", false)
		return nil, ErrNoFix
	}
	fixed, docRef, err := e.askModel(ctx, req, kp, excerpt, log)
	if err != nil {
		log.Warn("model repair failed", zap.String("tier", TierModel), zap.Error(err))
		e.record(req, TierModel, excerpt, "error", err.Error(), false)
		return nil, fmt.Errorf("%w: %v", ErrNoFix, err)
	}
	if strings.TrimSpace(fixed) == "" {
		e.record(req, TierModel, excerpt, "empty", "", false)
		return nil, ErrNoFix
	}
	res, ok := e.verify(req, kp, fixed, TierModel, excerpt, log)
	if !ok {
		return nil, ErrNoFix
	}
	res.DocReference = docRef
	return res, nil
}

func (e *Engine) askModel(ctx context.Context, req Request, kp credentials.KeyPair, excerpt string, log *zap.Logger) (string, string, error) {
	var provider *credentials.Provider
	if det, err := e.injector.Detect(req.Config, req.CloudHint); err == nil {
		provider = det.Provider
	}

	var doc *sidecar.Documentation
	if e.docs != nil && provider != nil {
		if rt := FirstResourceType(req.Stderr, provider.ResourcePrefix()); rt != "" {
			d, err := e.docs.Resolve(ctx, provider.Name, rt)
			if err != nil {
				log.Info("repair proceeds without documentation", zap.String("resource_type", rt), zap.Error(err))
			} else {
				doc = d
			}
		}
	}

	// The model only ever sees masked credentials; Restore puts the real values back.
	config := credentials.Mask(req.Config, kp)
	out, err := e.model.Complete(ctx, SystemPrompt(req.Stage, provider), UserPrompt(req.Stage, credentials.Mask(excerpt, kp), config, doc))
	if err != nil {
		return "", "", err
	}
	ref := ""
	if doc != nil {
		ref = doc.Source + ":" + doc.Reference
	}
	return llm.StripCodeFences(out), ref, nil
}

// verify restores credentials onto a candidate and rejects one that leaves
// the configuration unchanged.
func (e *Engine) verify(req Request, kp credentials.KeyPair, candidate, tier, excerpt string, log *zap.Logger) (*Result, bool) {
	res := &Result{Config: candidate, Tier: tier}
	restored, err := e.injector.Restore(req.Config, candidate, kp, req.CloudHint)
	if err != nil {
		if !appErr.IsCode(err, appErr.CodeCredential) {
			log.Warn("credential restore failed", zap.String("tier", tier), zap.Error(err))
		}
	} else {
		res.Config, res.Provider, res.Restored = restored.Config, restored.Provider, restored.Restored
	}
	if normalize(res.Config) == normalize(req.Config) {
		e.record(req, tier, excerpt, "identical", "no change to the current configuration", res.Restored)
		return nil, false
	}
	if res.Restored {
		log.Info("credentials restored after repair", zap.String("tier", tier), zap.String("provider", res.Provider))
	}
	e.record(req, tier, excerpt, "fixed", "", res.Restored)
	return res, true
}

func (e *Engine) record(req Request, tier, excerpt, result, detail string, restored bool) {
	e.observe(tier, result)
	outcome := result
	if detail != "" {
		outcome += ": " + detail
	}
	if req.Audit == nil {
		return
	}
	err := req.Audit.AppendFixAttempt(workspace.FixAttempt{
		Attempt:  req.Attempt,
		Stage:    req.Stage,
		Tier:     tier,
		Excerpt:  excerpt,
		Outcome:  outcome,
		Restored: restored,
	})
	if err != nil {
		logger.ForDeployment(req.DeploymentID).Warn("fix audit write failed", zap.Error(err))
	}
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
