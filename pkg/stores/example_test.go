package stores_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/stores"
)

// ExampleOpenSQLiteJournal demonstrates creating and migrating a journal.
func ExampleOpenSQLiteJournal() {
	ctx := context.Background()
	store, err := stores.OpenSQLiteJournal(ctx, stores.Config{
		Path:       ":memory:", // Use in-memory database for example
		Deployment: "devnet",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Put(ctx, &engine.JournalEntry{
		ActionID: "MarketplaceProductsModule#MarketplaceProducts",
		Status:   engine.EntrySuccess,
		Result:   json.RawMessage(`"0x5fbdb2315678afecb367f032d93f642f64180aa3"`),
		Attempts: 1,
	}); err != nil {
		log.Fatal(err)
	}

	entry, err := store.Get(ctx, "MarketplaceProductsModule#MarketplaceProducts")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %s\n", entry.Status, entry.Result)
	// Output: success "0x5fbdb2315678afecb367f032d93f642f64180aa3"
}
