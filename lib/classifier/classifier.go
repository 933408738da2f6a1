// Package classifier implements a naive bayes spam classifier with Laplace
// add-one smoothing. A model is built once by Train and never mutated after,
// so concurrent Predict calls need no locking.
package classifier

import (
	"errors"
	"math"
)

// Label is a classification verdict.
type Label string

// the two supported classes
const (
	Spam Label = "spam"
	Ham  Label = "ham"
)

// Example is a single labeled training message.
type Example struct {
	Text  string
	Label Label
}

// ErrNotTrained is returned by Predict in strict mode when the model was
// trained on zero examples.
var ErrNotTrained = errors.New("model not trained")

// Config is a set of parameters for the model.
type Config struct {
	StrictUntrained bool // fail Predict on an untrained model instead of falling back to ham
}

// Model is a trained naive bayes model. It holds per-class word frequency
// tables, the shared vocabulary and class priors. Read-only after Train.
type Model struct {
	cfg Config

	spamCounts map[string]int
	hamCounts  map[string]int
	vocabulary map[string]struct{}

	spamExamples int
	hamExamples  int
	spamWords    int // sum of spamCounts values
	hamWords     int

	priorSpam float64
	priorHam  float64
}

// Info is a summary of the trained model state.
type Info struct {
	SpamExamples int     `json:"spam_examples"`
	HamExamples  int     `json:"ham_examples"`
	Vocabulary   int     `json:"vocabulary"`
	PriorSpam    float64 `json:"prior_spam"`
	PriorHam     float64 `json:"prior_ham"`
}

// Train builds a model from labeled examples. Each example bumps its class
// counter and every token feeds the vocabulary and the class frequency
// table. Priors are derived once, after all examples are processed; the
// empty corpus defaults both priors to 0.5.
func Train(cfg Config, examples []Example) *Model {
	m := &Model{
		cfg:        cfg,
		spamCounts: map[string]int{},
		hamCounts:  map[string]int{},
		vocabulary: map[string]struct{}{},
	}

	for _, ex := range examples {
		counts := m.hamCounts
		if ex.Label == Spam {
			m.spamExamples++
			counts = m.spamCounts
		} else {
			m.hamExamples++
		}
		for _, token := range Tokenize(ex.Text) {
			m.vocabulary[token] = struct{}{}
			counts[token]++
		}
	}

	for _, count := range m.spamCounts {
		m.spamWords += count
	}
	for _, count := range m.hamCounts {
		m.hamWords += count
	}

	total := m.spamExamples + m.hamExamples
	if total > 0 {
		m.priorSpam = float64(m.spamExamples) / float64(total)
		m.priorHam = float64(m.hamExamples) / float64(total)
	} else {
		m.priorSpam, m.priorHam = 0.5, 0.5
	}
	return m
}

// Predict classifies a message. For each class it sums, in log space, the
// class prior and the smoothed per-token likelihoods; the +1 numerator keeps
// scores finite for tokens never seen in training. Exact ties resolve to ham.
// A model with a zero prior for a class short-circuits to the other class
// before any logarithm is taken; a model trained on zero examples returns
// ham, or ErrNotTrained in strict mode.
func (m *Model) Predict(text string) (Label, error) {
	tokens := Tokenize(text)

	if m.spamExamples == 0 && m.hamExamples == 0 {
		if m.cfg.StrictUntrained {
			return Ham, ErrNotTrained
		}
		return Ham, nil
	}
	if m.priorSpam == 0 {
		return Ham, nil
	}
	if m.priorHam == 0 {
		return Spam, nil
	}

	scoreSpam := math.Log(m.priorSpam)
	scoreHam := math.Log(m.priorHam)
	vocabSize := len(m.vocabulary)

	for _, token := range tokens {
		scoreSpam += math.Log(float64(m.spamCounts[token]+1) / float64(m.spamWords+vocabSize))
		scoreHam += math.Log(float64(m.hamCounts[token]+1) / float64(m.hamWords+vocabSize))
	}

	if scoreSpam > scoreHam {
		return Spam, nil
	}
	return Ham, nil
}

// Info returns counters and priors of the trained model.
func (m *Model) Info() Info {
	return Info{
		SpamExamples: m.spamExamples,
		HamExamples:  m.hamExamples,
		Vocabulary:   len(m.vocabulary),
		PriorSpam:    m.priorSpam,
		PriorHam:     m.priorHam,
	}
}

// EvalResult is an accuracy report over a labeled set.
type EvalResult struct {
	Total    int
	Correct  int
	Accuracy float64
}

// Evaluate predicts every example and compares with its label.
func Evaluate(m *Model, examples []Example) EvalResult {
	res := EvalResult{Total: len(examples)}
	for _, ex := range examples {
		verdict, err := m.Predict(ex.Text)
		if err != nil {
			continue // strict untrained model, nothing can match
		}
		if verdict == ex.Label {
			res.Correct++
		}
	}
	if res.Total > 0 {
		res.Accuracy = float64(res.Correct) / float64(res.Total)
	}
	return res
}
