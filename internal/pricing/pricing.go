// Package pricing содержит чистый расчёт цены заказа на подписчиков.
package pricing

// Границы допустимого объёма одного заказа. Проверка диапазона выполняется
// вызывающей стороной до обращения к расчёту.
const (
	MinSubscribers int64 = 50
	MaxSubscribers int64 = 100000
)

// Пороги скидок за объём. Пороги не складываются: применяется только
// наивысший достигнутый.
const (
	tierLarge  int64 = 50000
	tierMedium int64 = 10000
	tierSmall  int64 = 5000
)

// Quote описывает детализацию расчёта цены.
type Quote struct {
	Subscribers     int64
	BasePrice       int64
	DiscountPercent int64
	DiscountAmount  int64
	FinalPrice      int64
}

// DiscountPercent возвращает процент скидки для указанного числа подписчиков.
func DiscountPercent(subscribers int64) int64 {
	switch {
	case subscribers >= tierLarge:
		return 20
	case subscribers >= tierMedium:
		return 15
	case subscribers >= tierSmall:
		return 10
	default:
		return 0
	}
}

// Calculate возвращает итоговую цену заказа: ceil(subscribers/50) за базу,
// минус скидка за объём, но не меньше 1. Функция чистая и детерминированная.
func Calculate(subscribers int64) int64 {
	return Estimate(subscribers).FinalPrice
}

// Estimate возвращает полную детализацию расчёта цены.
func Estimate(subscribers int64) Quote {
	base := (subscribers + MinSubscribers - 1) / MinSubscribers
	discount := DiscountPercent(subscribers)

	final := ceilDiv(base*(100-discount), 100)
	if final < 1 {
		final = 1
	}

	return Quote{
		Subscribers:     subscribers,
		BasePrice:       base,
		DiscountPercent: discount,
		DiscountAmount:  base - final,
		FinalPrice:      final,
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
