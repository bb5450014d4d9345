package main

import (
	"testing"

	_ "github.com/courier-ops/courier/testing"
)

func TestMainReturnsInTestMode(t *testing.T) {
	main()
}
