package shared

import "fmt"

// OrderLockKey builds the lock key serializing commands on one purchase order.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("fulfillment:order:%d:lock", orderID)
}

// ProductLockKey builds the lock key serializing stock commands on one product.
func ProductLockKey(productID int64) string {
	return fmt.Sprintf("fulfillment:product:%d:lock", productID)
}
