package pricing

import "testing"

func TestStaticPricebookLookup(t *testing.T) {
	book := NewStaticPricebook(map[string]Price{
		"Standard": {Amount: 15000, Currency: "CAD"},
		"student":  {Amount: 10000, Currency: "CAD"},
	})

	price := book.GetSessionPrice("standard")
	if price == nil || price.Amount != 15000 || price.Currency != "CAD" {
		t.Errorf("GetSessionPrice(standard) = %+v, want 15000 CAD", price)
	}

	// lookup is case-insensitive in both directions
	if got := book.GetSessionPrice("STUDENT"); got == nil || got.Amount != 10000 {
		t.Errorf("GetSessionPrice(STUDENT) = %+v, want 10000", got)
	}

	if got := book.GetSessionPrice("couples"); got != nil {
		t.Errorf("unconfigured account type should return nil, got %+v", got)
	}
}

func TestStaticPricebookEmpty(t *testing.T) {
	book := NewStaticPricebook(nil)
	if got := book.GetSessionPrice("standard"); got != nil {
		t.Errorf("empty pricebook should return nil, got %+v", got)
	}
}
