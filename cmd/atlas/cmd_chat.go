package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"atlas/internal/config"
)

// runChat is the interactive loop: one goal per line, with session history
// carried between goals and config hot reload while running.
func runChat(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := openSession(a)
	if err != nil {
		return err
	}

	// hot reload: edits to .atlas/config.yaml take effect on the next goal
	watcher, err := config.NewWatcher(config.DefaultPath(workspace))
	if err == nil {
		watcher.Subscribe(a.applyConfig)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	fmt.Printf("atlas %s  session %s\n", version, sess.ID)
	fmt.Println(`Type a goal and press enter. "exit" quits.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := runGoal(ctx, a, sess, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}
