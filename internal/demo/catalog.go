package demo

// Product is one listing in the sample catalogue.
type Product struct {
	ASIN     string  `json:"asin"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Rating   float64 `json:"rating"`
	Reviews  int     `json:"reviews"`
	Category string  `json:"category"`
}

const bottles = "Sports & Outdoors > Water Bottles"

// Reference is the seller's own product the pipeline finds a competitor for.
var Reference = Product{
	ASIN:     "B0XYZ123",
	Title:    "ProBrand Stainless Steel Water Bottle 32oz Insulated",
	Price:    29.99,
	Rating:   4.2,
	Reviews:  1247,
	Category: bottles,
}

// Catalog mixes strong competitors, accessories that should not match and
// listings that fail one or more filters.
var Catalog = []Product{
	{ASIN: "B0COMP01", Title: "HydroFlask 32oz Wide Mouth Insulated Bottle", Price: 44.99, Rating: 4.5, Reviews: 8932, Category: bottles},
	{ASIN: "B0COMP02", Title: "Yeti Rambler 26oz Vacuum Insulated Bottle", Price: 34.99, Rating: 4.4, Reviews: 5621, Category: bottles},
	{ASIN: "B0COMP07", Title: "Stanley Adventure Quencher 30oz Tumbler", Price: 35.00, Rating: 4.3, Reviews: 4102, Category: bottles},
	{ASIN: "B0COMP08", Title: "Contigo Autoseal Insulated Travel Mug 24oz", Price: 24.99, Rating: 4.4, Reviews: 3245, Category: bottles},
	{ASIN: "B0COMP09", Title: "CamelBak Chute Mag 32oz Water Bottle", Price: 22.99, Rating: 4.3, Reviews: 2876, Category: bottles},
	{ASIN: "B0COMP10", Title: "Nalgene Wide Mouth 32oz BPA-Free Bottle", Price: 15.99, Rating: 4.5, Reviews: 7654, Category: bottles},
	{ASIN: "B0COMP11", Title: "Klean Kanteen Classic 32oz Stainless Steel", Price: 28.50, Rating: 4.4, Reviews: 1892, Category: bottles},
	{ASIN: "B0COMP12", Title: "Thermos Stainless King 32oz Beverage Bottle", Price: 32.99, Rating: 4.3, Reviews: 2134, Category: bottles},
	{ASIN: "B0COMP03", Title: "Generic Plastic Water Bottle 32oz", Price: 8.99, Rating: 3.2, Reviews: 45, Category: bottles},
	{ASIN: "B0COMP04", Title: "Bottle Cleaning Brush Set with Drying Rack", Price: 12.99, Rating: 4.6, Reviews: 3421, Category: "Home & Kitchen > Cleaning"},
	{ASIN: "B0COMP05", Title: "Replacement Lid for HydroFlask Wide Mouth", Price: 9.99, Rating: 4.2, Reviews: 892, Category: "Sports & Outdoors > Accessories"},
	{ASIN: "B0COMP06", Title: "Water Bottle Carrier Bag with Adjustable Strap", Price: 14.99, Rating: 4.1, Reviews: 567, Category: "Sports & Outdoors > Accessories"},
	{ASIN: "B0COMP13", Title: "Premium Titanium Water Bottle 32oz Ultra-Light", Price: 89.00, Rating: 4.8, Reviews: 234, Category: bottles},
	{ASIN: "B0COMP14", Title: "Budget Aluminum Bottle 32oz", Price: 6.99, Rating: 3.5, Reviews: 892, Category: bottles},
	{ASIN: "B0COMP15", Title: "Luxury Crystal Water Bottle with Gold Accents", Price: 129.99, Rating: 3.9, Reviews: 78, Category: bottles},
}
