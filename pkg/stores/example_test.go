package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/stores"
)

// ExampleOpen demonstrates opening the default YAML inventory.
func ExampleOpen() {
	root, err := os.MkdirTemp("", "inventory")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Root: root}, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	device, err := store.RegisterDevice(ctx, &engine.Device{
		Hostname:     "iem.lan",
		OS:           engine.OSLinux,
		Tags:         []string{"stage", "iem"},
		RegisteredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(device.Hostname, device.Tags)
	fmt.Println(store.RecordPaths("iem.lan", ""))
	// Output:
	// iem.lan [iem stage]
	// [devices/iem.lan]
}

// ExampleSQLiteStore demonstrates the SQLite backend with an in-memory database.
func ExampleSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if _, err := store.RegisterDevice(ctx, &engine.Device{Hostname: "foh.lan", OS: engine.OSWindows}); err != nil {
		log.Fatal(err)
	}
	state, err := store.LoadState(ctx, "foh.lan")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("software=%d applied=%d\n", len(state.Software), len(state.AppliedRecipes))
	// Output: software=0 applied=0
}

// ExampleFileLocker demonstrates the per-device session lease.
func ExampleFileLocker() {
	root, err := os.MkdirTemp("", "inventory")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	locker := stores.NewFileLocker(root, stores.LockConfig{}, zerolog.Nop())
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "iem.lan")
	if err != nil {
		log.Fatal(err)
	}
	_, err = locker.Acquire(ctx, "iem.lan")
	fmt.Println(engine.CodeOf(err))

	_ = lease.Release()
	// Output: SESSION_LOCKED
}
