package tools_test

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

type patientInput struct {
	PatientID string `json:"patient_id" jsonschema:"FHIR patient id"`
}

type sqlInput struct {
	Query string `json:"query" jsonschema:"SQL statement"`
}

func fhirServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "fhir", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "get_patient", Description: "查询患者基本信息"},
		func(_ context.Context, _ *mcp.CallToolRequest, in patientInput) (*mcp.CallToolResult, any, error) {
			if in.PatientID == "" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "patient_id required"}},
				}, nil, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, in.PatientID)}},
			}, nil, nil
		})
	return server
}

func sqlServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "sql", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "run_sql", Description: "执行只读 SQL"},
		func(_ context.Context, _ *mcp.CallToolRequest, in sqlInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "rows: 3 for " + in.Query}},
			}, nil, nil
		})
	return server
}

func connect(ctx context.Context, hub *tools.Hub, name string, server *mcp.Server) *mcp.ServerSession {
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(hub.Connect(ctx, name, clientTransport)).To(Succeed())
	return ss
}

var _ = Describe("Hub", func() {
	var (
		ctx context.Context
		hub *tools.Hub
	)

	BeforeEach(func() {
		ctx = context.Background()
		hub = tools.NewHub(zap.NewNop())
		connect(ctx, hub, "fhir", fhirServer())
		connect(ctx, hub, "sql", sqlServer())
	})

	AfterEach(func() {
		Expect(hub.Close()).To(Succeed())
	})

	It("aggregates tools from every source in connection order", func() {
		specs, err := hub.Tools(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(specs).To(HaveLen(2))

		Expect(specs[0].Source).To(Equal("fhir"))
		Expect(specs[0].Name).To(Equal("get_patient"))
		Expect(specs[0].InputFields()).To(Equal([]string{"patient_id(string)"}))

		Expect(specs[1].Source).To(Equal("sql"))
		Expect(specs[1].Name).To(Equal("run_sql"))
	})

	It("routes calls to the owning server without an explicit listing", func() {
		res, err := hub.CallTool(ctx, "run_sql", map[string]any{"query": "select 1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsError).To(BeFalse())
		Expect(res.Content).To(HaveLen(1))
		Expect(res.Content[0].(*mcp.TextContent).Text).To(Equal("rows: 3 for select 1"))

		res, err = hub.CallTool(ctx, "get_patient", map[string]any{"patient_id": "794"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Content[0].(*mcp.TextContent).Text).To(ContainSubstring(`"id":"794"`))
	})

	It("passes tool-level errors through as error results", func() {
		res, err := hub.CallTool(ctx, "get_patient", map[string]any{"patient_id": ""})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsError).To(BeTrue())
	})

	It("fails for tools no server advertises", func() {
		_, err := hub.CallTool(ctx, "drop_database", nil)
		Expect(err).To(MatchError(ContainSubstring(`unknown tool "drop_database"`)))
	})
})
