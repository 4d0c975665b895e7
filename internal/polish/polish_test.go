package polish

import (
	"reflect"
	"testing"

	"keyindex/internal/dataset"
)

func TestColumnName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{" Product Code ", "product_code"},
		{"KeyP__Customer", "keyp__customer"},
		{"Sales (EUR)", "sales__eur"},
		{"a=b-c;d,e{f}", "a_b_c_d_e_f"},
		{"__Trim__", "trim"},
		{"line\nbreak\ttab", "line_break_tab"},
	}
	for _, tc := range tests {
		if got := ColumnName(tc.in); got != tc.want {
			t.Fatalf("ColumnName(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOrder(t *testing.T) {
	t.Parallel()

	in := []string{"sales", "keyp__customer", "index__plant", "product_code", "other_field", "index__customer", "keyf__plant"}
	want := []string{"index__customer", "index__plant", "keyf__plant", "keyp__customer", "product_code", "other_field", "sales"}
	if got := Order(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("Order()=%v, want %v", got, want)
	}
}

func TestTable(t *testing.T) {
	t.Parallel()

	in := dataset.MustNew(
		[]string{"Sales", "KeyP__Customer", "Product_Code", "index__customer"},
		[][]any{
			{15, "  0001", "SKU-001", int64(1)},
			{21, nil, "SKU-002", int64(2)},
			{3, "000", "SKU-003", nil},
			{4, int64(42), "SKU-004", nil},
			{5, " AB01 ", "SKU-005", nil},
		},
	)

	out, err := Table(in)
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	if got, want := out.Columns(), []string{"index__customer", "keyp__customer", "product_code", "sales"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v, want %v", got, want)
	}
	keys, _ := out.Column("keyp__customer")
	if want := []any{"1", NullKey, "0", "42", "ab01"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys=%#v, want %#v", keys, want)
	}
	if v, _ := out.Value(0, "product_code"); v != "SKU-001" {
		t.Fatalf("non-key values must be untouched, got %v", v)
	}

	if got := in.Columns()[0]; got != "Sales" {
		t.Fatalf("input table mutated: %v", in.Columns())
	}
}

func TestTable_CollidingNames(t *testing.T) {
	t.Parallel()

	in := dataset.MustNew([]string{"Plant Code", "plant_code"}, [][]any{{"1", "2"}})
	if _, err := Table(in); err == nil {
		t.Fatalf("expected collision error")
	}
}

func TestColumns_KeepsKeyValues(t *testing.T) {
	t.Parallel()

	in := dataset.MustNew(
		[]string{"Amount", "KeyP__Customer"},
		[][]any{{10, " 0042 "}, {20, nil}},
	)
	out, err := Columns(in)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if got, want := out.Columns(), []string{"keyp__customer", "amount"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v, want %v", got, want)
	}
	keys, _ := out.Column("keyp__customer")
	if want := []any{" 0042 ", nil}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys=%#v, want %#v", keys, want)
	}
}
