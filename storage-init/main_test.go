package main

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func TestAlreadyExists(t *testing.T) {
	conflict := &azcore.ResponseError{ErrorCode: "QueueAlreadyExists", StatusCode: http.StatusConflict}
	if !alreadyExists(fmt.Errorf("create: %w", conflict), "QueueAlreadyExists") {
		t.Fatal("wrapped conflict not recognised")
	}
	if alreadyExists(conflict, "TableAlreadyExists") {
		t.Fatal("code mismatch must not count as existing")
	}
	if alreadyExists(errors.New("dial tcp: refused"), "QueueAlreadyExists") {
		t.Fatal("transport errors must not count as existing")
	}
}
