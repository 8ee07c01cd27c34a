// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"sync"
	"testing"
	"time"

	"agentgram/ptybridge"
)

func TestSubscribeRacingFinishAlwaysCloses(t *testing.T) {
	for i := 0; i < 200; i++ {
		a := NewAgent("1", Request{Key: "k"})
		a.start()

		var wg sync.WaitGroup
		chans := make(chan (<-chan ptybridge.Update), 8)
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ch := a.Subscribe()
				chans <- ch
			}()
		}
		a.finish(ptybridge.Result{Success: true, Output: "done"})
		wg.Wait()
		close(chans)

		for ch := range chans {
			timeout := time.After(2 * time.Second)
		drain:
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						break drain
					}
				case <-timeout:
					t.Fatalf("iteration %d: subscription was never closed", i)
				}
			}
		}
	}
}

func TestSubscribeAfterFinish(t *testing.T) {
	a := NewAgent("1", Request{})
	a.finish(ptybridge.Result{Success: true, Output: "all done"})

	_, ch := a.Subscribe()
	u, ok := <-ch
	if !ok || u.Text != "all done" {
		t.Errorf("Expected the final text to be replayed, got %+v %v", u, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected the channel to be closed")
	}
	if a.GetStatus() != StatusFinished {
		t.Errorf("Expected status finished, got %s", a.GetStatus())
	}
}
