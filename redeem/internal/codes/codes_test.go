package codes

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestNormalize_DedupKeepsFirstSeen(t *testing.T) {
	// WHAT: "A1", " A1 ", "", "B2" -> [A1 B2], one duplicate.
	// WHY: Operators paste lists with stray whitespace and repeats.
	got := Normalize([]string{"A1", " A1 ", "", "B2"})
	if !slices.Equal(got.Codes, []string{"A1", "B2"}) {
		t.Fatalf("codes = %v", got.Codes)
	}
	if got.Unique != 2 || got.Duplicates != 1 || got.Raw != 3 {
		t.Fatalf("counts = %+v", got)
	}
}

func TestNormalize_PreservesCase(t *testing.T) {
	got := Normalize([]string{"abc", "ABC", "abc"})
	if !slices.Equal(got.Codes, []string{"abc", "ABC"}) || got.Duplicates != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestNormalize_CountInvariant(t *testing.T) {
	// WHAT: len(Codes) + Duplicates equals the non-empty trimmed input count.
	in := []string{" x", "y ", "x", "\t", "z", "y", "y", ""}
	got := Normalize(in)
	nonEmpty := 0
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			nonEmpty++
		}
	}
	if len(got.Codes)+got.Duplicates != nonEmpty {
		t.Fatalf("%d + %d != %d", len(got.Codes), got.Duplicates, nonEmpty)
	}
}

func TestNormalize_Empty(t *testing.T) {
	got := Normalize(nil)
	if len(got.Codes) != 0 || got.Unique != 0 || got.Duplicates != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseText(t *testing.T) {
	got := ParseText("AAA, 'BBB';\"CCC\" | DDD\nEEE\t\tFFF")
	want := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseCSV(t *testing.T) {
	got, err := ParseCSV(strings.NewReader("code,extra\nX1,\n\"X2\",X3\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"code", "extra", "X1", "X2", "X3"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseFile_XLSX(t *testing.T) {
	// WHAT: Cells of every sheet are collected in row order.
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "K1")
	f.SetCellValue("Sheet1", "B1", "K2")
	f.SetCellValue("Sheet1", "A2", " K3 ")
	if _, err := f.NewSheet("More"); err != nil {
		t.Fatal(err)
	}
	f.SetCellValue("More", "A1", "K4")
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}

	got, err := ParseFile("codes.XLSX", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"K1", "K2", "K3", "K4"}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseFile_TextFallback(t *testing.T) {
	got, err := ParseFile("codes.txt", []byte("a b\nc"))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", got)
	}
}
