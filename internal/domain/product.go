package domain

import "github.com/shopspring/decimal"

// Product — данные товара, которые возвращает product-сервис при валидации.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
}

// ProductIndex группирует товары по идентификатору.
type ProductIndex map[int64]Product

// IndexProducts строит индекс по id; при дубликатах побеждает последний.
func IndexProducts(products []Product) ProductIndex {
	index := make(ProductIndex, len(products))
	for _, product := range products {
		index[product.ID] = product
	}
	return index
}

// Missing возвращает id, которых нет в индексе.
func (idx ProductIndex) Missing(ids []int64) []int64 {
	var missing []int64
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
