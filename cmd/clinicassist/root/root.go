package rootcmder

import (
	"github.com/spf13/cobra"

	chatcmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/chat"
	mergecmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/merge"
	pushcmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/push"
	servecmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/serve"
	sessionscmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/sessions"
)

const rootLongDesc string = `clinicassist is a chat assistant for doctors.

It answers from the conversation so far when it can, and otherwise plans
and runs a sequence of tool calls against the configured MCP servers
(FHIR, SQL, charting) and language model steps.`

const rootShortDesc string = "Clinical chat assistant"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "clinicassist",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(sessionscmder.NewSessionsCmd())
	cmd.AddCommand(mergecmder.NewMergeCmd())
	cmd.AddCommand(pushcmder.NewPushCmd())

	return cmd
}
