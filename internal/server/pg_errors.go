package server

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nineleaf/bizdesk/pkg/httperr"
)

func newBadRequestError(msg string) error {
	return httperr.NewBadRequest(msg)
}

func isBadRequestError(err error) bool {
	return httperr.IsBadRequest(err)
}

// newStableCodeError lets the memory stores raise the same stable
// UPPER_SNAKE codes the database constraints produce. stablePgMessage
// falls through to err.Error() for non-pg errors, so the bare code is
// enough.
func newStableCodeError(code string) error {
	return errors.New(code)
}

func pgErrorMessage(err error) string {
	var pgErr *pgconn.PgError
	if ok := errors.As(err, &pgErr); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if ok := errors.As(err, &pgErr); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

// stablePgMessage maps a Postgres error to a stable UPPER_SNAKE code when
// the database raised one, or to a constraint-specific code, falling back
// to the raw error text.
func stablePgMessage(err error) string {
	msg := pgErrorMessage(err)
	if isStableDBCode(msg) {
		return msg
	}

	var pgErr *pgconn.PgError
	if ok := errors.As(err, &pgErr); ok && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "orders_order_number_unique":
			return "CRM_ORDER_NUMBER_TAKEN"
		case "quotes_quote_number_unique":
			return "CRM_QUOTE_NUMBER_TAKEN"
		case "purchase_orders_po_number_unique":
			return "CRM_PO_NUMBER_TAKEN"
		case "products_sku_unique":
			return "CRM_PRODUCT_SKU_TAKEN"
		case "menu_items_name_unique":
			return "ORDERING_MENU_ITEM_NAME_TAKEN"
		}
	}
	return err.Error()
}

func isStableDBCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" || code == "UNKNOWN" {
		return false
	}
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if ch >= 'A' && ch <= 'Z' {
			continue
		}
		if ch >= '0' && ch <= '9' {
			continue
		}
		if ch == '_' {
			continue
		}
		return false
	}
	if code[0] < 'A' || code[0] > 'Z' {
		return false
	}
	return true
}
