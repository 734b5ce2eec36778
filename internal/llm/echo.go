package llm

import "context"

const echoLimit = 100

// Echo answers without a model by repeating the start of the prompt. It is
// meant for wiring tests on a live mesh.
type Echo struct{}

// Name implements Provider.
func (Echo) Name() string { return ProviderEcho }

// Generate implements Provider.
func (Echo) Generate(_ context.Context, _, prompt string) (string, error) {
	runes := []rune(prompt)
	if len(runes) > echoLimit {
		runes = runes[:echoLimit]
	}
	return "Echo: " + string(runes), nil
}
