package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// 演示工作区和用户使用固定ID，重启后客户端无需改动
var (
	DemoWorkspaceID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("workspace-query/demo-workspace")).String()
	DemoUserID      = uuid.NewSHA1(uuid.NameSpaceOID, []byte("workspace-query/demo-user")).String()
)

// SeedOptions 演示数据选项
type SeedOptions struct {
	WorkspaceID string
	UserID      string
	Seed        int64
	RowsPerDB   int
	// 除固定样例外额外随机生成的数据库和页面数量
	ExtraDatabases int
	ExtraPages     int
	Now            time.Time
}

// SeedResult 写入的记录
type SeedResult struct {
	WorkspaceID string
	UserID      string
	DatabaseIDs []string
	PageIDs     []string
}

type columnSpec struct {
	meta models.ColumnMeta
	gen  func(f *gofakeit.Faker, now time.Time) interface{}
}

type databaseSpec struct {
	name    string
	age     time.Duration
	columns []columnSpec
}

func text(fn func(f *gofakeit.Faker) string) func(*gofakeit.Faker, time.Time) interface{} {
	return func(f *gofakeit.Faker, _ time.Time) interface{} { return fn(f) }
}

func number(lo, hi float64) func(*gofakeit.Faker, time.Time) interface{} {
	return func(f *gofakeit.Faker, _ time.Time) interface{} {
		return float64(int(f.Float64Range(lo, hi)*100)) / 100
	}
}

func recentDate(days int) func(*gofakeit.Faker, time.Time) interface{} {
	return func(f *gofakeit.Faker, now time.Time) interface{} {
		return f.DateRange(now.AddDate(0, 0, -days), now).Format("2006-01-02")
	}
}

func choice(values ...string) func(*gofakeit.Faker, time.Time) interface{} {
	return func(f *gofakeit.Faker, _ time.Time) interface{} { return f.RandomString(values) }
}

// demoDatabases 固定的演示数据库
var demoDatabases = []databaseSpec{
	{
		name: "sales_data.csv",
		age:  2 * time.Hour,
		columns: []columnSpec{
			{models.ColumnMeta{Name: "region", Type: models.ColumnSelect}, choice("north", "south", "east", "west")},
			{models.ColumnMeta{Name: "product", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.ProductName() })},
			{models.ColumnMeta{Name: "revenue", Type: models.ColumnNumber}, number(100, 5000)},
			{models.ColumnMeta{Name: "units", Type: models.ColumnNumber}, number(1, 50)},
			{models.ColumnMeta{Name: "order_date", Type: models.ColumnDate}, recentDate(120)},
		},
	},
	{
		name: "q3_orders.xlsx",
		age:  3 * 24 * time.Hour,
		columns: []columnSpec{
			{models.ColumnMeta{Name: "customer", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.Company() })},
			{models.ColumnMeta{Name: "amount", Type: models.ColumnNumber}, number(50, 20000)},
			{models.ColumnMeta{Name: "status", Type: models.ColumnSelect}, choice("open", "shipped", "cancelled")},
		},
	},
	{
		name: "employees.csv",
		age:  40 * 24 * time.Hour,
		columns: []columnSpec{
			{models.ColumnMeta{Name: "name", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.Name() })},
			{models.ColumnMeta{Name: "department", Type: models.ColumnSelect}, choice("engineering", "sales", "support", "finance")},
			{models.ColumnMeta{Name: "salary", Type: models.ColumnNumber}, number(40000, 180000)},
			{models.ColumnMeta{Name: "hire_date", Type: models.ColumnDate}, recentDate(2000)},
		},
	},
	{
		name: "meeting_attendees.csv",
		age:  10 * 24 * time.Hour,
		columns: []columnSpec{
			{models.ColumnMeta{Name: "attendee", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.Name() })},
			{models.ColumnMeta{Name: "team", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.JobDescriptor() })},
			{models.ColumnMeta{Name: "confirmed", Type: models.ColumnBoolean}, func(f *gofakeit.Faker, _ time.Time) interface{} { return f.Bool() }},
		},
	},
}

var demoPages = []struct {
	title string
	age   time.Duration
	body  string
}{
	{"Onboarding Guide", 30 * 24 * time.Hour, "Welcome to the workspace. Upload a CSV to create a database, then ask questions about it in plain English."},
	{"Q3 Planning Notes", 5 * 24 * time.Hour, "Q3 goals: grow revenue in the west region, reduce support tickets, and finish the pricing review."},
	{"Pricing Strategy", 12 * 24 * time.Hour, "Pricing tiers are reviewed every quarter. Discounts above 20% need finance approval."},
	{"Team Meeting Minutes", 20 * time.Minute, "Discussed sales pipeline, hiring plan for support, and the marketing campaign calendar."},
}

// SeedDemo 写入一个演示工作区
func SeedDemo(ctx context.Context, w WorkspaceWriter, opts SeedOptions) (*SeedResult, error) {
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = DemoWorkspaceID
	}
	if opts.UserID == "" {
		opts.UserID = DemoUserID
	}
	if opts.RowsPerDB <= 0 {
		opts.RowsPerDB = 40
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	faker := gofakeit.New(opts.Seed)
	res := &SeedResult{WorkspaceID: opts.WorkspaceID, UserID: opts.UserID}

	if err := w.PutWorkspace(ctx, models.Workspace{ID: opts.WorkspaceID, Name: faker.Company() + " Workspace", UpdatedAt: opts.Now}); err != nil {
		return nil, err
	}
	if err := w.PutUser(ctx, models.UserProfile{
		ID:          opts.UserID,
		Name:        faker.Name(),
		Preferences: map[string]string{"format": "auto", "timezone": faker.TimeZoneRegion()},
	}); err != nil {
		return nil, err
	}

	specs := append([]databaseSpec{}, demoDatabases...)
	for i := 0; i < opts.ExtraDatabases; i++ {
		specs = append(specs, randomDatabaseSpec(faker, i))
	}
	for _, def := range specs {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(opts.WorkspaceID+"/db/"+def.name)).String()
		db := models.DatabaseRecord{
			ID:          id,
			WorkspaceID: opts.WorkspaceID,
			Name:        def.name,
			CreatedAt:   opts.Now.Add(-def.age),
			UpdatedAt:   opts.Now.Add(-def.age),
		}
		for _, c := range def.columns {
			db.Columns = append(db.Columns, c.meta)
		}
		rows := make([]models.Row, opts.RowsPerDB)
		for i := range rows {
			row := make(models.Row, len(def.columns))
			for _, c := range def.columns {
				row[c.meta.Name] = c.gen(faker, opts.Now)
			}
			rows[i] = row
		}
		if err := w.PutDatabase(ctx, db, rows); err != nil {
			return nil, err
		}
		res.DatabaseIDs = append(res.DatabaseIDs, id)
	}

	pages := append([]struct {
		title string
		age   time.Duration
		body  string
	}{}, demoPages...)
	caser := cases.Title(language.English)
	for i := 0; i < opts.ExtraPages; i++ {
		pages = append(pages, struct {
			title string
			age   time.Duration
			body  string
		}{
			title: caser.String(faker.BuzzWord()) + " " + faker.HipsterWord() + fmt.Sprintf(" %d", i+1),
			age:   time.Duration(faker.Number(1, 24*90)) * time.Hour,
			body:  faker.Paragraph(2, 3, 12, " "),
		})
	}
	for _, p := range pages {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(opts.WorkspaceID+"/page/"+p.title)).String()
		if err := w.PutPage(ctx, models.PageRecord{
			ID:          id,
			WorkspaceID: opts.WorkspaceID,
			Title:       p.title,
			Content:     p.body,
			BlockCount:  len(strings.Split(p.body, ". ")),
			UpdatedAt:   opts.Now.Add(-p.age),
		}); err != nil {
			return nil, err
		}
		res.PageIDs = append(res.PageIDs, id)
	}
	return res, nil
}

// randomDatabaseSpec 压测用的随机数据库
func randomDatabaseSpec(f *gofakeit.Faker, i int) databaseSpec {
	base := strings.ToLower(strings.ReplaceAll(f.BuzzWord(), " ", "_"))
	return databaseSpec{
		name: fmt.Sprintf("%s_%s_%d.csv", base, strings.ToLower(f.HipsterWord()), i+1),
		age:  time.Duration(f.Number(1, 24*180)) * time.Hour,
		columns: []columnSpec{
			{models.ColumnMeta{Name: "label", Type: models.ColumnText}, text(func(f *gofakeit.Faker) string { return f.Word() })},
			{models.ColumnMeta{Name: "amount", Type: models.ColumnNumber}, number(1, 1000)},
			{models.ColumnMeta{Name: "created", Type: models.ColumnDate}, recentDate(365)},
		},
	}
}
