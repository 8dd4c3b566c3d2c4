package idpool_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestIdPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
