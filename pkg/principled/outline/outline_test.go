package outline

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []Item
	}{
		{
			name:  "two leaves under one root",
			input: "# A\n## B\ntext1\n## C\ntext2a\ntext2b\n",
			want: []Item{
				{Path: []string{"A", "B"}, Text: "text1"},
				{Path: []string{"A", "C"}, Text: "text2a\ntext2b"},
			},
		},
		{
			name:  "heading without body yields nothing",
			input: "# Only\n\n\n",
			want:  nil,
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name:  "content before first heading is dropped",
			input: "orphan text\n# A\nbody\n",
			want: []Item{
				{Path: []string{"A"}, Text: "body"},
			},
		},
		{
			name:  "consecutive headings collapse to the deepest with content",
			input: "# A\n## B\n### C\nleaf\n",
			want: []Item{
				{Path: []string{"A", "B", "C"}, Text: "leaf"},
			},
		},
		{
			name:  "shallower heading truncates the path",
			input: "# A\n## B\ndeep\n# X\ntop\n",
			want: []Item{
				{Path: []string{"A", "B"}, Text: "deep"},
				{Path: []string{"X"}, Text: "top"},
			},
		},
		{
			name:  "level jump leaves no gap in the breadcrumb",
			input: "# A\n### C\nskipped a level\n",
			want: []Item{
				{Path: []string{"A", "C"}, Text: "skipped a level"},
			},
		},
		{
			name:  "crlf line endings are normalized",
			input: "# A\r\n## B\r\ntext1\r\n",
			want: []Item{
				{Path: []string{"A", "B"}, Text: "text1"},
			},
		},
		{
			name:  "blank lines inside a block are preserved",
			input: "# A\nfirst paragraph\n\nsecond paragraph\n",
			want: []Item{
				{Path: []string{"A"}, Text: "first paragraph\n\nsecond paragraph"},
			},
		},
		{
			name:  "hash without space is body text",
			input: "# A\n#not a heading\n",
			want: []Item{
				{Path: []string{"A"}, Text: "#not a heading"},
			},
		},
		{
			name:  "seven hashes is body text",
			input: "# A\n####### too deep\n",
			want: []Item{
				{Path: []string{"A"}, Text: "####### too deep"},
			},
		},
		{
			name:  "trailing whitespace on headings is trimmed",
			input: "#  Spaced Title  \t\nbody\n",
			want: []Item{
				{Path: []string{"Spaced Title"}, Text: "body"},
			},
		},
		{
			name:  "whitespace-only body is discarded",
			input: "# A\n   \n\t\n# B\nkept\n",
			want: []Item{
				{Path: []string{"B"}, Text: "kept"},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("Parse() returned %d items, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if !reflect.DeepEqual(got[i].Path, tt.want[i].Path) {
					t.Errorf("item %d path = %v, want %v", i, got[i].Path, tt.want[i].Path)
				}
				if got[i].Text != tt.want[i].Text {
					t.Errorf("item %d text = %q, want %q", i, got[i].Text, tt.want[i].Text)
				}
			}
		})
	}
}

func TestParseIsPure(t *testing.T) {
	t.Parallel()

	const doc = "# A\n## B\ntext1\n## C\ntext2\n"
	first := Parse(doc)
	second := Parse(doc)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated Parse() diverged: %+v vs %+v", first, second)
	}
}

func TestBreadcrumb(t *testing.T) {
	t.Parallel()

	item := Item{Path: []string{"General", "Growth", "5-step process"}}
	want := "General -> Growth -> 5-step process"
	if got := item.Breadcrumb(); got != want {
		t.Errorf("Breadcrumb() = %q, want %q", got, want)
	}
}
