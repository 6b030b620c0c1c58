package engine_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/ignite/pkg/engine"
)

// echoBackend confirms every submission immediately.
type echoBackend struct {
	subs map[engine.Handle]*engine.Submission
}

func (b *echoBackend) Submit(ctx context.Context, sub *engine.Submission) (engine.Handle, error) {
	h := engine.Handle(sub.ActionID)
	b.subs[h] = sub
	return h, nil
}

func (b *echoBackend) AwaitConfirmation(ctx context.Context, h engine.Handle) (*engine.Confirmation, error) {
	sub := b.subs[h]
	result := sub.Method
	if sub.Kind == engine.ActionCreate {
		result = "0x" + sub.ContractType
	}
	raw, _ := json.Marshal(result)
	return &engine.Confirmation{Result: raw}, nil
}

// Example_deployment declares a module, runs it twice against the same
// journal and shows that the second run submits nothing.
func Example_deployment() {
	b := engine.NewModuleBuilder("MarketplaceProductsModule")
	counter := b.Contract("MarketplaceProducts", nil)
	b.Call(counter, "incBy", []interface{}{5})
	b.Return("counter", counter)

	m, err := b.Build()
	if err != nil {
		fmt.Println("build failed:", err)
		return
	}

	journal := engine.NewMemoryJournal()
	backend := &echoBackend{subs: make(map[engine.Handle]*engine.Submission)}
	exec := engine.NewExecutor(backend, journal)

	for i := 0; i < 2; i++ {
		report, err := exec.Run(context.Background(), m)
		if err != nil {
			fmt.Println("run failed:", err)
			return
		}
		fmt.Println("run", i+1, report.Status)
		for _, a := range report.Actions {
			fmt.Printf("  %s: %s\n", a.ID, a.Outcome)
		}
	}

	// Output:
	// run 1 succeeded
	//   MarketplaceProductsModule#MarketplaceProducts: succeeded
	//   MarketplaceProductsModule#MarketplaceProducts.incBy: succeeded
	// run 2 succeeded
	//   MarketplaceProductsModule#MarketplaceProducts: already_succeeded
	//   MarketplaceProductsModule#MarketplaceProducts.incBy: already_succeeded
}

// ExampleResolver_Plan shows the deterministic order of a small module.
func ExampleResolver_Plan() {
	b := engine.NewModuleBuilder("M")
	token := b.Contract("Token", nil)
	registry := b.Contract("Registry", nil)
	b.Contract("Market", []interface{}{token, registry})
	b.Call(token, "mint", []interface{}{100})

	m, _ := b.Build()
	plan, err := engine.NewResolver().Plan(m, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, id := range plan.Order {
		fmt.Println(id)
	}

	// Output:
	// M#Token
	// M#Registry
	// M#Market
	// M#Token.mint
}
