package crmclient

import "testing"

func TestWrapperForIsCaseInsensitive(t *testing.T) {
	key, ok := wrapperFor("CRM.ITEM.LIST")
	if !ok || key != "items" {
		t.Fatalf("got %q, %v", key, ok)
	}
}

func TestWrapperForUnknownMethod(t *testing.T) {
	if _, ok := wrapperFor("crm.deal.get"); ok {
		t.Fatal("expected crm.deal.get to have no wrapper")
	}
}

func TestIsWeirdPagination(t *testing.T) {
	if !isWeirdPagination("task.item.list") {
		t.Fatal("expected task.item.list to use weird pagination")
	}
	if isWeirdPagination("crm.deal.list") {
		t.Fatal("expected crm.deal.list to use normal pagination")
	}
}
