package engine_test

import (
	"errors"
	"fmt"
	"time"

	"github.com/avtune/avtune/pkg/engine"
)

// Example_sessionOutcome shows how action results roll up into a session status.
func Example_sessionOutcome() {
	session := &engine.Session{
		RecipeName: "network-optimize",
		Hostname:   "iem.lan",
		Status:     engine.SessionInProgress,
		Actions: []engine.ActionRecord{
			{Action: "set-buffer-size", Result: engine.ActionSuccess},
			{Action: "enable-bbr", Result: engine.ActionFailed},
			{Action: "disable-nagle", Result: engine.ActionSkipped},
		},
	}

	summary := session.Tally()
	session.Status = summary.FinalStatus()

	fmt.Printf("total=%d ok=%d failed=%d skipped=%d\n",
		summary.TotalActions, summary.Succeeded, summary.Failed, summary.Skipped)
	fmt.Println("status:", session.Status)
	fmt.Println("phase:", engine.PhaseFor(session.Status))
	fmt.Println(engine.ResultCommitMessage(session.Status, session.RecipeName, session.Hostname, "01HZX"))

	// Output:
	// total=3 ok=1 failed=1 skipped=1
	// status: partial
	// phase: partially_failed
	// Partial: network-optimize on iem.lan [session: 01HZX]
}

// Example_errorHandling shows matching engine errors by kind.
func Example_errorHandling() {
	err := fmt.Errorf("run: %w", engine.NewDeviceNotFoundError("iem.lan"))

	if errors.Is(err, engine.ErrDeviceNotFound) {
		fmt.Println("device is not registered")
	}
	fmt.Println("code:", engine.CodeOf(err))
	fmt.Println("retry:", engine.IsTransient(err))

	unreachable := engine.NewConnectivityError("iem.lan", errors.New("connection refused"))
	fmt.Println("retry:", engine.IsTransient(unreachable))

	// Output:
	// device is not registered
	// code: DEVICE_NOT_FOUND
	// retry: false
	// retry: true
}

// Example_mergeSession shows which session results reach the device state.
func Example_mergeSession() {
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := &engine.Session{
		ID:          "01HZX",
		RecipeName:  "network-optimize",
		Status:      engine.SessionPartial,
		CompletedAt: &done,
		Actions: []engine.ActionRecord{
			{
				Action: "set-buffer-size",
				Result: engine.ActionSuccess,
				Changes: []engine.StateChange{
					{Kind: engine.ChangeOptimization, Category: "network", Key: "net.core.rmem_max", Value: "16777216"},
				},
			},
			{
				Action: "enable-bbr",
				Result: engine.ActionFailed,
				Changes: []engine.StateChange{
					{Kind: engine.ChangeOptimization, Category: "network", Key: "net.ipv4.tcp_congestion_control", Value: "bbr"},
				},
			},
		},
	}

	state, changed := engine.MergeSession(engine.NewDeviceState(), session, done)
	fmt.Println("changed:", changed)
	fmt.Println("network:", state.Optimizations["network"])
	fmt.Println("applied:", state.AppliedRecipes[0].Name)

	// Output:
	// changed: true
	// network: map[net.core.rmem_max:16777216]
	// applied: network-optimize
}
