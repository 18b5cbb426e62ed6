package cache

import "strings"

// Collection tags used by the catalog, order and account services. Writers
// tag entries with the collection tag plus a per-entity tag so a single
// mutation can drop either the whole listing cache or one entity.
const (
	TagProducts   = "catalog:products"
	TagCategories = "catalog:categories"
	TagOrders     = "orders"
	TagUsers      = "users"
	TagServices   = "catalog:services"
)

func entityTags(collection string, ids []string) []string {
	tags := make([]string, 0, len(ids)+1)
	tags = append(tags, collection)
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			tags = append(tags, collection+":"+id)
		}
	}
	return tags
}

// ProductTags returns the product collection tag followed by one tag per id.
func ProductTags(ids ...string) []string { return entityTags(TagProducts, ids) }

// CategoryTags returns the category collection tag followed by one tag per id.
func CategoryTags(ids ...string) []string { return entityTags(TagCategories, ids) }

// OrderTags returns the order collection tag followed by one tag per id.
func OrderTags(ids ...string) []string { return entityTags(TagOrders, ids) }

// UserTags returns the user collection tag followed by one tag per id.
func UserTags(ids ...string) []string { return entityTags(TagUsers, ids) }

// ServiceTags returns the bookable-service collection tag followed by one
// tag per id.
func ServiceTags(ids ...string) []string { return entityTags(TagServices, ids) }
