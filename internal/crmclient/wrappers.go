package crmclient

// methodWrappers lists CRM list methods whose result arrives nested under a
// named key instead of as a bare JSON array — ported from the CRM's own
// call-list helper so batch unwrapping matches exactly.
var methodWrappers = map[string]string{
	"tasks.task.list":              "tasks",
	"tasks.task.history.list":      "list",
	"tasks.task.getfields":         "fields",
	"tasks.task.getaccess":         "allowedActions",
	"sale.order.list":              "orders",
	"sale.propertyvalue.list":      "propertyValues",
	"sale.basketitem.list":         "basketItems",
	"crm.stagehistory.list":        "items",
	"crm.item.list":                "items",
	"crm.type.list":                "types",
	"crm.item.productrow.list":     "productRows",
	"userfieldconfig.list":         "fields",
	"catalog.catalog.list":         "catalogs",
	"catalog.product.list":         "products",
	"catalog.storeproduct.list":    "storeProducts",
	"catalog.product.offer.list":   "offers",
	"catalog.section.list":         "sections",
	"catalog.productpropertyenum.list": "productPropertyEnums",
	"rpa.item.list":                "items",
	"rpa.stage.listfortype":        "stages",
	"socialnetwork.api.workgroup.list": "workgroups",
	"catalog.product.sku.list":     "units",
}

// weirdPaginationMethods use PARAMS{NAV_PARAMS{nPageSize,iNumPage}} instead
// of the usual "start=<offset>" pagination.
var weirdPaginationMethods = map[string]bool{
	"task.item.list":          true,
	"task.items.getlist":      true,
	"task.elapseditem.getlist": true,
}

func wrapperFor(method string) (string, bool) {
	w, ok := methodWrappers[normalizeMethod(method)]
	return w, ok
}

func isWeirdPagination(method string) bool {
	return weirdPaginationMethods[normalizeMethod(method)]
}

func normalizeMethod(m string) string {
	out := make([]byte, len(m))
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
