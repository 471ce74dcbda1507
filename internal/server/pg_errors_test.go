package server

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsStableDBCode(t *testing.T) {
	valid := []string{"CRM_QUOTE_NUMBER_TAKEN", "ORDERING_STATUS_TRANSITION_INVALID", "A1_B2"}
	for _, code := range valid {
		if !isStableDBCode(code) {
			t.Fatalf("%q should be stable", code)
		}
	}

	invalid := []string{"", "UNKNOWN", "lowercase", "Mixed_Case", "1LEADING_DIGIT", "HAS SPACE", "HAS-DASH"}
	for _, code := range invalid {
		if isStableDBCode(code) {
			t.Fatalf("%q should not be stable", code)
		}
	}
}

func TestStablePgMessage_ConstraintMapping(t *testing.T) {
	cases := map[string]string{
		"orders_order_number_unique":       "CRM_ORDER_NUMBER_TAKEN",
		"quotes_quote_number_unique":       "CRM_QUOTE_NUMBER_TAKEN",
		"purchase_orders_po_number_unique": "CRM_PO_NUMBER_TAKEN",
		"products_sku_unique":              "CRM_PRODUCT_SKU_TAKEN",
		"menu_items_name_unique":           "ORDERING_MENU_ITEM_NAME_TAKEN",
	}
	for constraint, want := range cases {
		err := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint", ConstraintName: constraint}
		if got := stablePgMessage(err); got != want {
			t.Fatalf("%s: got %q, want %q", constraint, got, want)
		}
	}
}

func TestStablePgMessage_RaisedCodePassesThrough(t *testing.T) {
	err := &pgconn.PgError{Code: "P0001", Message: "CRM_CASE_NUMBER_TAKEN"}
	if got := stablePgMessage(err); got != "CRM_CASE_NUMBER_TAKEN" {
		t.Fatalf("got %q", got)
	}
}

func TestStablePgMessage_MemoryStableCode(t *testing.T) {
	err := newStableCodeError("CRM_PRODUCT_SKU_TAKEN")
	got := stablePgMessage(err)
	if got != "CRM_PRODUCT_SKU_TAKEN" || !isStableDBCode(got) {
		t.Fatalf("got %q", got)
	}
}

func TestIsPgInvalidInput(t *testing.T) {
	if !isPgInvalidInput(&pgconn.PgError{Code: "22P02"}) {
		t.Fatal("invalid uuid text should count")
	}
	if isPgInvalidInput(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique violation is not invalid input")
	}
	if isPgInvalidInput(errors.New("plain")) {
		t.Fatal("plain errors are not pg errors")
	}
}
