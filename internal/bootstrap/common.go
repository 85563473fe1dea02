package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type operation func(ctx context.Context) error

// gracefulShutdown waits for termination syscalls and doing clean up operations after received it.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)

		// add any other syscalls that you want to be notified with
		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")

		// set timeout for the ops to be done to prevent system hang
		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})

		defer timeoutFunc.Stop()

		var wg sync.WaitGroup

		// Do the operations asynchronously to save time
		for key, op := range ops {
			wg.Add(1)
			innerOp := op
			innerKey := key
			go func() {
				defer wg.Done()

				logrus.Info(fmt.Sprintf("cleaning up: %s", innerKey))
				if err := innerOp(ctx); err != nil {
					logrus.Error(fmt.Sprintf("%s: clean up failed: %s", innerKey, err.Error()))
					return
				}

				logrus.Info(fmt.Sprintf("%s was shutdown gracefully", innerKey))
			}()
		}

		wg.Wait()

		close(wait)
	}()

	return wait
}

// runWS dials a websocket feed, sends initSub and hands every message to
// onMessage until ctx ends or the connection fails.
func runWS(ctx context.Context, wsHost url.URL, initSub any, heartbeat time.Duration, onMessage func(ctx context.Context, message []byte) error) error {
	logrus.Infof("connecting to %s", wsHost.String())

	c, _, err := websocket.DefaultDialer.DialContext(ctx, wsHost.String(), nil)
	if err != nil {
		logrus.Error(err)
		return err
	}
	defer c.Close()

	c.SetPongHandler(func(string) error {
		logrus.Debug("pong")
		return nil
	})

	if initSub != nil {
		if err := c.WriteJSON(initSub); err != nil {
			return err
		}
	}

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := c.WriteJSON(map[string]string{"type": "heartbeat"})
				writeMu.Unlock()
				if err != nil {
					logrus.Error(err)
					return
				}
			case <-ctx.Done():
				writeMu.Lock()
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				_ = c.Close()
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Error(err)
			return err
		}

		if onMessage != nil {
			if err := onMessage(ctx, message); err != nil {
				logrus.Error(err)
			}
		}
	}
}
