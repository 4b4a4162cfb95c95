package listfile

import (
	"reflect"
	"strings"
	"testing"
)

func TestReadArray(t *testing.T) {
	input := strings.Join([]string{
		"# a leading comment",
		"",
		"  example.org  ",
		"other.example # inline comment",
		"   ",
		"#",
		"last.example",
	}, "\n")

	got, err := ReadArray(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadArray: %v", err)
	}
	want := []string{"example.org", "other.example", "last.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadArray() = %v, want %v", got, want)
	}
}

func TestReadArrayEmpty(t *testing.T) {
	got, err := ReadArray(strings.NewReader("\n\n# nothing but comments\n"))
	if err != nil {
		t.Fatalf("ReadArray: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadArray() = %v, want empty", got)
	}
}
