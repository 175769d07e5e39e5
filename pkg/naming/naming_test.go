package naming

import (
	"strings"
	"testing"
)

func TestSuffix(t *testing.T) {
	first, err := Suffix()
	if err != nil {
		t.Fatalf("Error generating suffix: %s", err)
	}
	if first == "" {
		t.Fatal("Generated suffix is empty")
	}

	second, err := Suffix()
	if err != nil {
		t.Fatalf("Error generating second suffix: %s", err)
	}
	if first == second {
		t.Error("Two generated suffixes are equal")
	}
}

func TestCommonName(t *testing.T) {
	cn, err := CommonName("gateway")
	if err != nil {
		t.Fatalf("Error generating common name: %s", err)
	}
	if !strings.HasPrefix(cn, "gateway-") {
		t.Errorf("Common name %s does not carry the prefix", cn)
	}
	if len(cn) <= len("gateway-") {
		t.Errorf("Common name %s has no generated suffix", cn)
	}
}

func TestCommonNameWithoutPrefix(t *testing.T) {
	cn, err := CommonName("")
	if err != nil {
		t.Fatalf("Error generating common name: %s", err)
	}
	if cn == "" {
		t.Fatal("Generated common name is empty")
	}
	if strings.Contains(cn, "-") {
		t.Errorf("Common name %s carries a joiner without a prefix", cn)
	}
}
