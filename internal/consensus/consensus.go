// Package consensus resolves disagreement among agent viewpoints on a
// proposal. It measures textual agreement, partitions supporters and
// objectors, and synthesizes a compromise when support falls short of the
// configured threshold. A constitutional blocklist can veto any decision.
package consensus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/common/stringutil"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
)

// Classification thresholds against the proposal.
const (
	supportFloor     = 0.6
	objectionCeiling = 0.4
)

// ViewPoint is one agent's stated position on a proposal.
type ViewPoint struct {
	AgentID    string  `json:"agentId"`
	Position   string  `json:"position"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of a consensus evaluation.
type Result struct {
	Agreed                    bool         `json:"agreed"`
	ConsensusLevel            float64      `json:"consensusLevel"`
	SupportingAgents          []string     `json:"supportingAgents"`
	ObjectingAgents           []string     `json:"objectingAgents"`
	NeutralAgents             []string     `json:"neutralAgents"`
	FinalDecision             string       `json:"finalDecision"`
	CompromisesReached        []Compromise `json:"compromisesReached"`
	QualityScore              float64      `json:"qualityScore"`
	ConstitutionallyValidated bool         `json:"constitutionallyValidated"`
}

// Engine evaluates viewpoints against proposals.
type Engine struct {
	cfg       config.ConsensusConfig
	logger    *logger.Logger
	bus       bus.EventBus
	provider  ModelProvider
	blocklist []string
}

// NewEngine creates the consensus engine. The event bus and model provider
// are optional; without a provider the engine always synthesizes
// compromises deterministically.
func NewEngine(cfg config.ConsensusConfig, log *logger.Logger, eventBus bus.EventBus, provider ModelProvider) *Engine {
	blocklist := make([]string, 0, len(cfg.ConstitutionalBlocklist))
	for _, word := range cfg.ConstitutionalBlocklist {
		word = strings.TrimSpace(strings.ToLower(word))
		if word != "" {
			blocklist = append(blocklist, word)
		}
	}
	return &Engine{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "consensus")),
		bus:       eventBus,
		provider:  provider,
		blocklist: blocklist,
	}
}

type stance int

const (
	stanceNeutral stance = iota
	stanceSupports
	stanceObjects
)

// Evaluate runs the consensus procedure for a proposal. With fewer than
// two viewpoints the result is not agreed and the consensus level is zero,
// except for a single supporting viewpoint, which is full consensus.
func (e *Engine) Evaluate(ctx context.Context, proposal string, viewpoints []ViewPoint) (*Result, error) {
	if strings.TrimSpace(proposal) == "" {
		return nil, fmt.Errorf("proposal is required")
	}

	result := &Result{
		SupportingAgents:          []string{},
		ObjectingAgents:           []string{},
		NeutralAgents:             []string{},
		CompromisesReached:        []Compromise{},
		ConstitutionallyValidated: true,
	}

	if len(viewpoints) == 0 {
		e.publish(ctx, proposal, result)
		return result, nil
	}

	proposalWords := contentWords(proposal)
	for _, vp := range viewpoints {
		switch classify(vp.Position, proposalWords) {
		case stanceSupports:
			result.SupportingAgents = append(result.SupportingAgents, vp.AgentID)
		case stanceObjects:
			result.ObjectingAgents = append(result.ObjectingAgents, vp.AgentID)
		default:
			result.NeutralAgents = append(result.NeutralAgents, vp.AgentID)
		}
	}

	if len(viewpoints) == 1 {
		if len(result.SupportingAgents) == 1 {
			result.Agreed = true
			result.ConsensusLevel = 1.0
			result.FinalDecision = proposal
		}
		result.QualityScore = clamp01(viewpoints[0].Confidence)
		e.validate(result)
		e.publish(ctx, proposal, result)
		return result, nil
	}

	agreement := overallAgreement(viewpoints)
	result.ConsensusLevel = float64(len(result.SupportingAgents)) / float64(len(viewpoints))
	result.QualityScore = clamp01((agreement + avgConfidence(viewpoints)) / 2)

	if result.ConsensusLevel >= e.cfg.AgreementThreshold {
		result.Agreed = true
		result.FinalDecision = proposal
		e.logger.Info("Proposal accepted",
			zap.Float64("consensus_level", result.ConsensusLevel),
			zap.Int("supporting", len(result.SupportingAgents)))
	} else {
		result.CompromisesReached = synthesizeCompromises(viewpoints)
		if len(result.CompromisesReached) > 0 {
			result.FinalDecision = result.CompromisesReached[0].Description
		}
		if e.llmEnabled() {
			text, err := e.synthesizeWithModel(ctx, proposal, viewpoints, result.CompromisesReached)
			if err != nil {
				e.logger.Warn("Model-assisted synthesis failed, keeping deterministic compromise",
					zap.Error(err))
			} else {
				result.FinalDecision = text
			}
		}
		e.logger.Info("Proposal fell short of consensus",
			zap.Float64("consensus_level", result.ConsensusLevel),
			zap.Float64("agreement", agreement),
			zap.Int("compromises", len(result.CompromisesReached)))
	}

	e.validate(result)
	e.publish(ctx, proposal, result)
	return result, nil
}

// classify labels a position relative to the proposal. Opposition markers
// take precedence: a marked position never counts as support.
func classify(position string, proposal map[string]struct{}) stance {
	a := alignment(contentWords(position), proposal)
	if hasOppositionMarker(position) {
		if a < objectionCeiling {
			return stanceObjects
		}
		return stanceNeutral
	}
	if a > supportFloor {
		return stanceSupports
	}
	return stanceNeutral
}

// overallAgreement averages the pairwise similarity of the upper triangle
// of the viewpoint matrix.
func overallAgreement(viewpoints []ViewPoint) float64 {
	words := make([]map[string]struct{}, len(viewpoints))
	for i, vp := range viewpoints {
		words[i] = contentWords(vp.Position)
	}

	var total float64
	var pairs int
	for i := 0; i < len(words); i++ {
		for j := i + 1; j < len(words); j++ {
			total += jaccard(words[i], words[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// validate vetoes a decision that contains a blocklisted keyword.
func (e *Engine) validate(result *Result) {
	if result.FinalDecision == "" || len(e.blocklist) == 0 {
		return
	}
	lower := strings.ToLower(result.FinalDecision)
	for _, word := range e.blocklist {
		if strings.Contains(lower, word) {
			result.ConstitutionallyValidated = false
			result.Agreed = false
			e.logger.Warn("Decision vetoed by constitutional blocklist",
				zap.String("keyword", word))
			return
		}
	}
}

func (e *Engine) publish(ctx context.Context, proposal string, result *Result) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(events.ConsensusEvaluated, "consensus", map[string]interface{}{
		"proposal":        stringutil.TruncateString(proposal, 200),
		"agreed":          result.Agreed,
		"consensus_level": result.ConsensusLevel,
		"supporting":      len(result.SupportingAgents),
		"objecting":       len(result.ObjectingAgents),
		"neutral":         len(result.NeutralAgents),
		"validated":       result.ConstitutionallyValidated,
	})
	if err := e.bus.Publish(ctx, events.ConsensusEvaluated, event); err != nil {
		e.logger.Warn("Failed to publish consensus event", zap.Error(err))
	}
}

func avgConfidence(viewpoints []ViewPoint) float64 {
	if len(viewpoints) == 0 {
		return 0
	}
	var total float64
	for _, vp := range viewpoints {
		total += clamp01(vp.Confidence)
	}
	return total / float64(len(viewpoints))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
